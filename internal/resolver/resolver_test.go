package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/catbird-chat/ds/internal/identity"
	"github.com/catbird-chat/ds/internal/models"
)

func TestDidWebDomain(t *testing.T) {
	cases := []struct {
		did     string
		want    string
		wantErr bool
	}{
		{"did:web:catbird.example", "catbird.example", false},
		{"did:web:catbird.example%3A8443", "catbird.example:8443", false},
		{"did:plc:abc123", "", true},
		{"did:web:", "", true},
		{"did:web:host:path:user", "", true},
	}
	for _, c := range cases {
		got, err := didWebDomain(models.DID(c.did))
		if c.wantErr {
			if err == nil {
				t.Errorf("didWebDomain(%q) expected error, got %q", c.did, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("didWebDomain(%q) error: %v", c.did, err)
			continue
		}
		if got != c.want {
			t.Errorf("didWebDomain(%q) = %q, want %q", c.did, got, c.want)
		}
	}
}

func TestWellKnownResolve(t *testing.T) {
	key := []byte("fake-pkix-der")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/catbird" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"service_did":   "did:web:peer.example",
			"endpoint":      "https://peer.example",
			"verifying_key": base64.StdEncoding.EncodeToString(key),
		})
	}))
	defer srv.Close()

	r := NewWellKnown(5*time.Second, time.Minute)
	r.scheme = "http"
	host := strings.TrimPrefix(srv.URL, "http://")
	did := models.DID("did:web:" + strings.ReplaceAll(host, ":", "%3A"))

	resolved, err := r.Resolve(context.Background(), did)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Endpoint != "https://peer.example" {
		t.Errorf("Endpoint = %q", resolved.Endpoint)
	}
	if string(resolved.VerifyingKey) != string(key) {
		t.Errorf("VerifyingKey mismatch")
	}
	if !resolved.CachedUntil.After(time.Now()) {
		t.Error("CachedUntil must be in the future")
	}
}

func TestWellKnownResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := NewWellKnown(5*time.Second, time.Minute)
	r.scheme = "http"
	host := strings.TrimPrefix(srv.URL, "http://")
	did := models.DID("did:web:" + strings.ReplaceAll(host, ":", "%3A"))

	_, err := r.Resolve(context.Background(), did)
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected identity.ErrNotFound, got %v", err)
	}
}

func TestStaticResolver(t *testing.T) {
	s := NewStatic()
	s.Add("did:web:peer.example", "https://peer.example", []byte("key"))

	resolved, err := s.Resolve(context.Background(), "did:web:peer.example#device1")
	if err != nil {
		t.Fatalf("Resolve device form: %v", err)
	}
	if resolved.Endpoint != "https://peer.example" {
		t.Errorf("Endpoint = %q", resolved.Endpoint)
	}

	if _, err := s.Resolve(context.Background(), "did:web:unknown.example"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("unknown DID: expected identity.ErrNotFound, got %v", err)
	}
}
