package utils

import (
	"testing"
	"time"
)

func TestParseUint(t *testing.T) {
	tests := []struct {
		in   string
		want uint
	}{
		{"42", 42},
		{"0", 0},
		{"", 0},
		{"abc", 0},
		{"-3", 0},
		{"12abc", 0},
		{"99999999999", 0},
	}
	for _, tt := range tests {
		if got := ParseUint(tt.in); got != tt.want {
			t.Errorf("ParseUint(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{1500 * time.Millisecond, "1.5 seconds"},
		{90 * time.Second, "1.5 minutes"},
		{3 * time.Hour, "3.0 hours"},
		{50 * time.Hour, "2 days"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
