package main

import (
	"testing"
	"time"
)

func TestParseAt(t *testing.T) {
	now := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)
	cairo := time.FixedZone("EET", 2*60*60)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"", now},
		{"2026-03-11T00:01:00Z", time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC)},
		{"2026-03-10", time.Date(2026, 3, 10, 23, 59, 59, 0, cairo)},
	}
	for _, tt := range tests {
		got, err := parseAt(tt.in, cairo, now)
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("%q = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := parseAt("yesterday", cairo, now); err == nil {
		t.Error("expected an error")
	}
}
