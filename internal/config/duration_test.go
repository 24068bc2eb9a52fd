package config

import (
	"testing"
	"time"
)

func TestParseAutoReturnTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"10h", 10 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"1w2d3h4m5s", 7*24*time.Hour + 2*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second},
		{"30s", 30 * time.Second},
		{"0h", 0},
	}
	for _, c := range cases {
		got, err := ParseAutoReturnTime(c.in)
		if err != nil {
			t.Errorf("ParseAutoReturnTime(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseAutoReturnTime(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseAutoReturnTimeErrors(t *testing.T) {
	cases := []string{"", "h", "10x", "10h10h", "10"}
	for _, in := range cases {
		if _, err := ParseAutoReturnTime(in); err == nil {
			t.Errorf("ParseAutoReturnTime(%q): expected error, got nil", in)
		}
	}
}
