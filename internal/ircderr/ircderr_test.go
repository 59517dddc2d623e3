package ircderr

import (
	"errors"
	"testing"
)

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Connection, "supervisor", "read", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected Wrap to preserve Unwrap chain")
	}
	if err.Kind != Connection {
		t.Fatalf("expected Kind=Connection, got %v", err.Kind)
	}
}

func TestKindString(t *testing.T) {
	if Auth.String() != "auth" {
		t.Fatalf("expected \"auth\", got %q", Auth.String())
	}
	if Generic.String() != "generic" {
		t.Fatalf("expected \"generic\", got %q", Generic.String())
	}
}
