package id

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewIsTimeOrderedUUID(t *testing.T) {
	a, b := New(), New()

	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("parse %q: %v", a, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if a[:8] > b[:8] {
		t.Fatalf("expected %q to sort before %q", a, b)
	}
}
