package main

import "testing"

func TestOrUnknown(t *testing.T) {
	if got := orUnknown(""); got != "unknown" {
		t.Fatalf("expected empty version to report unknown, got %q", got)
	}
	if got := orUnknown("1.2.3"); got != "1.2.3" {
		t.Fatalf("expected a set version to pass through unchanged, got %q", got)
	}
}
