package utils

import "strings"

// digitsOnly strips every non-digit character
func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone converts free-form input to E.164.
// The second return value is false when the input cannot be dialed.
func NormalizePhone(raw string) (string, bool) {
	digits := digitsOnly(raw)

	switch {
	case len(digits) == 10:
		// US number without country code: 5135551234
		return "+1" + digits, true
	case len(digits) == 11 && digits[0] == '1':
		// US number with country code: 15135551234
		return "+" + digits, true
	case len(digits) >= 10 && len(digits) <= 15:
		// International, assumed valid
		return "+" + digits, true
	}

	return "", false
}

// FormatPhone renders US numbers as (XXX) XXX-XXXX and returns anything else unchanged
func FormatPhone(raw string) string {
	if raw == "" {
		return ""
	}

	digits := digitsOnly(raw)
	switch {
	case len(digits) == 10:
		return "(" + digits[0:3] + ") " + digits[3:6] + "-" + digits[6:]
	case len(digits) == 11 && digits[0] == '1':
		return "(" + digits[1:4] + ") " + digits[4:7] + "-" + digits[7:]
	}

	return raw
}

// IsValidPhone reports whether raw normalizes
func IsValidPhone(raw string) bool {
	_, ok := NormalizePhone(raw)
	return ok
}

// PhonesMatch compares two numbers after normalizing both
func PhonesMatch(a, b string) bool {
	na, okA := NormalizePhone(a)
	nb, okB := NormalizePhone(b)
	if !okA || !okB {
		return false
	}
	return na == nb
}
