package clientauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	svc := New([]byte("test-secret"), time.Hour)
	token, err := svc.Mint("did:web:alice.example#device1")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	did, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if did != "did:web:alice.example#device1" {
		t.Errorf("Verify() = %q, want device DID", did)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := New([]byte("test-secret"), -time.Minute)
	token, err := svc.Mint("did:web:alice.example#device1")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := svc.Verify(token); err == nil {
		t.Error("Verify() on expired token should error")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	svc := New([]byte("secret-a"), time.Hour)
	token, err := svc.Mint("did:web:alice.example#device1")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	other := New([]byte("secret-b"), time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("Verify() with mismatched secret should error")
	}
}

func TestRequireClientAuthRejectsMissingToken(t *testing.T) {
	svc := New([]byte("test-secret"), time.Hour)
	called := false
	h := RequireClientAuth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if called {
		t.Error("handler should not run without a token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireClientAuthInjectsCallerDID(t *testing.T) {
	svc := New([]byte("test-secret"), time.Hour)
	token, _ := svc.Mint("did:web:alice.example#device1")

	var gotDID string
	h := RequireClientAuth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDID = string(CallerDIDFromContext(r.Context()))
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotDID != "did:web:alice.example#device1" {
		t.Errorf("caller DID = %q, want device DID", gotDID)
	}
}

func TestOptionalClientAuthProceedsWithoutToken(t *testing.T) {
	svc := New([]byte("test-secret"), time.Hour)
	called := false
	h := OptionalClientAuth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("handler should run even without a token")
	}
}
