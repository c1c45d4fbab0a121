package dbuserr

import (
	"errors"
	"testing"
)

func TestIs(t *testing.T) {
	err := New(Quota, "too many matches")
	if !Is(err, Quota) {
		t.Error("expected Is(err, Quota) to be true")
	}
	if Is(err, Invalid) {
		t.Error("expected Is(err, Invalid) to be false")
	}
	if Is(errors.New("plain"), Quota) {
		t.Error("plain error should never match a Kind")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(NotFound, "no such peer", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestFatal(t *testing.T) {
	err := NewFatal(errors.New("oom"))
	if !IsFatal(err) {
		t.Error("expected IsFatal to be true")
	}
	if IsFatal(New(Quota, "x")) {
		t.Error("ordinary Error must not be Fatal")
	}
}

func TestWireName(t *testing.T) {
	if New(Quota, "").Kind.WireName() == "" {
		t.Error("Quota must map to a wire name")
	}
	if New(AccessDenied, "").Kind.WireName() != "org.freedesktop.DBus.Error.AccessDenied" {
		t.Error("AccessDenied must map to AccessDenied wire name")
	}
}
