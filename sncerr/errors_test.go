package sncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsKind(t *testing.T) {
	err := New(Coercion, "bad boolean %q", "maybe")
	if !errors.Is(err, Coercion) {
		t.Error("expected errors.Is to match Coercion")
	}
	if errors.Is(err, Transport) {
		t.Error("did not expect a Transport match")
	}
}

func TestErrorIsKindThroughWrapping(t *testing.T) {
	inner := New(Quota, "table too large")
	outer := fmt.Errorf("fetching rows: %w", inner)
	if !errors.Is(outer, Quota) {
		t.Error("expected Kind match through fmt.Errorf wrapping")
	}
	if KindOf(outer) != Quota {
		t.Errorf("KindOf = %v, want Quota", KindOf(outer))
	}
}

func TestErrorMessageContext(t *testing.T) {
	err := New(Plan, "type is immutable")
	err.Table = "u_dm_host"
	err.Column = "u_count"
	got := err.Error()
	want := "type is immutable (table=u_dm_host, column=u_count)"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Transport, cause, "request failed")
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable")
	}
	if err.Error() != "request failed: connection reset" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestKindOfNonDomainError(t *testing.T) {
	if KindOf(errors.New("plain")) != 0 {
		t.Error("expected zero Kind for non-domain error")
	}
}
