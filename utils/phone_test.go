package utils

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"ten digits", "5135551234", "+15135551234", true},
		{"formatted us", "(513) 555-1234", "+15135551234", true},
		{"dotted us", "513.555.1234", "+15135551234", true},
		{"eleven with country code", "15135551234", "+15135551234", true},
		{"plus one prefix", "+1 513-555-1234", "+15135551234", true},
		{"international", "+44 20 7946 0958", "+442079460958", true},
		{"fifteen digits", "123456789012345", "+123456789012345", true},
		{"eleven not starting with one", "25135551234", "+25135551234", true},
		{"too short", "555-123", "", false},
		{"nine digits", "513555123", "", false},
		{"too long", "1234567890123456", "", false},
		{"empty", "", "", false},
		{"no digits", "call me", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizePhone(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("NormalizePhone(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestNormalizePhoneUSDigits(t *testing.T) {
	for _, d := range []string{"0000000000", "5135551234", "9999999999", "2125550000"} {
		got, ok := NormalizePhone(d)
		if !ok || got != "+1"+d {
			t.Errorf("NormalizePhone(%q) = %q, want %q", d, got, "+1"+d)
		}
	}

	for _, d := range []string{"10000000000", "15135551234", "19999999999"} {
		got, ok := NormalizePhone(d)
		if !ok || got != "+"+d {
			t.Errorf("NormalizePhone(%q) = %q, want %q", d, got, "+"+d)
		}
	}
}

func TestFormatPhone(t *testing.T) {
	tests := map[string]string{
		"5135551234":       "(513) 555-1234",
		"+1 513 555 1234":  "(513) 555-1234",
		"15135551234":      "(513) 555-1234",
		"+44 20 7946 0958": "+44 20 7946 0958",
		"555-123":          "555-123",
		"":                 "",
	}

	for in, want := range tests {
		if got := FormatPhone(in); got != want {
			t.Errorf("FormatPhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPhonesMatch(t *testing.T) {
	if !PhonesMatch("(513) 555-1234", "+15135551234") {
		t.Error("expected formatted and E.164 forms to match")
	}
	if !PhonesMatch("5135551234", "5135551234") {
		t.Error("expected match to be reflexive")
	}
	if PhonesMatch("5135551234", "5135551235") {
		t.Error("different numbers must not match")
	}
	if PhonesMatch("", "") {
		t.Error("invalid numbers must never match")
	}
	if PhonesMatch("555-123", "555-123") {
		t.Error("too-short numbers must never match")
	}
	for _, pair := range [][2]string{{"513-555-1234", "15135551234"}, {"1", "5135551234"}} {
		if PhonesMatch(pair[0], pair[1]) != PhonesMatch(pair[1], pair[0]) {
			t.Errorf("PhonesMatch not symmetric for %v", pair)
		}
	}
}

func TestIsValidPhone(t *testing.T) {
	if !IsValidPhone("513-555-1234") {
		t.Error("expected valid")
	}
	if IsValidPhone("12345") {
		t.Error("expected invalid")
	}
}
