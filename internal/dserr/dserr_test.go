package dserr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindUnauthorized, http.StatusUnauthorized},
		{KindInvalidRequest, http.StatusBadRequest},
		{KindConversationNotFound, http.StatusNotFound},
		{KindConflictDetected, http.StatusConflict},
		{KindNotSequencer, http.StatusForbidden},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindDsUnreachable, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
		{Kind("totally-unknown"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := HTTPStatus(tc.kind); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestConflictCarriesEpoch(t *testing.T) {
	err := Conflict(42)
	if err.Kind != KindConflictDetected {
		t.Fatalf("Kind = %s, want ConflictDetected", err.Kind)
	}
	if err.CurrentEpoch == nil || *err.CurrentEpoch != 42 {
		t.Fatalf("CurrentEpoch = %v, want 42", err.CurrentEpoch)
	}
}

func TestAsUnwraps(t *testing.T) {
	inner := New(KindNotMember, "not a member")
	wrapped := fmt.Errorf("handling request: %w", inner)

	got := As(wrapped)
	if got == nil {
		t.Fatal("As() = nil, want the wrapped *Error")
	}
	if got.Kind != KindNotMember {
		t.Errorf("Kind = %s, want NotMember", got.Kind)
	}

	if As(errors.New("plain error")) != nil {
		t.Error("As() on a plain error should return nil")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("db timeout")
	err := Wrap(KindInternal, "query failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Wrap() should preserve the cause for errors.Is")
	}
}
