package main

import "testing"

func TestShortID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"a1", "a1"},
		{"12345678", "12345678"},
		{"f47ac10b-58cc-4372-a567-0e02b2c3d479", "f47ac10b"},
	}
	for _, tc := range cases {
		if got := shortID(tc.in); got != tc.want {
			t.Errorf("shortID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMaskToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "(not set)"},
		{"abcd", "****"},
		{"secret-token-1234", "*************1234"},
	}
	for _, tc := range cases {
		if got := maskToken(tc.in); got != tc.want {
			t.Errorf("maskToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
