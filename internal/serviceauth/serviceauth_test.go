package serviceauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/catbird-chat/ds/internal/models"
)

func newRequestWithAuth(header string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/xrpc/blue.catbird.mls.ds.deliverMessage", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func devService(selfDID models.DID) *Service {
	return New(selfDID, nil, []byte("dev-shared-secret"), nil, nil, 120*time.Second, 30*time.Second)
}

func TestMintVerifyRoundTripHMAC(t *testing.T) {
	self := models.DID("did:web:ds-a.example")
	peer := models.DID("did:web:ds-b.example")

	svc := devService(self)
	token, err := svc.Mint(peer, "deliverMessage")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	receiver := devService(peer)
	got, err := receiver.Verify(context.Background(), token, "deliverMessage")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != self {
		t.Errorf("Verify returned issuer %q, want %q", got, self)
	}
}

func TestVerifyRejectsLxmMismatch(t *testing.T) {
	self := models.DID("did:web:ds-a.example")
	peer := models.DID("did:web:ds-b.example")

	token, err := devService(self).Mint(peer, "deliverMessage")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := devService(peer).Verify(context.Background(), token, "submitCommit"); err == nil {
		t.Fatal("token minted for deliverMessage must not verify for submitCommit")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	self := models.DID("did:web:ds-a.example")
	peer := models.DID("did:web:ds-b.example")
	other := models.DID("did:web:ds-c.example")

	token, err := devService(self).Mint(peer, "deliverMessage")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := devService(other).Verify(context.Background(), token, "deliverMessage"); err == nil {
		t.Fatal("token addressed to ds-b must not verify on ds-c")
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	self := models.DID("did:web:ds-a.example")
	peer := models.DID("did:web:ds-b.example")

	token, err := devService(self).Mint(peer, "deliverMessage")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	tampered := token[:len(token)-4] + "AAAA"
	if _, err := devService(peer).Verify(context.Background(), tampered, "deliverMessage"); err == nil {
		t.Fatal("tampered token must not verify")
	}
}

func TestAudienceMatchesCanonicalizes(t *testing.T) {
	self := models.DID("did:web:ds-b.example")
	if !audienceMatches([]string{"did:web:ds-b.example#device1"}, self) {
		t.Fatal("audience match must compare canonical forms")
	}
	if audienceMatches([]string{"did:web:ds-z.example"}, self) {
		t.Fatal("unrelated audience must not match")
	}
}

func TestExtractBearerToken(t *testing.T) {
	// The middleware path is not exercised here; the parsing corner
	// cases matter on their own.
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, c := range cases {
		r := newRequestWithAuth(c.header)
		if got := extractBearerToken(r); got != c.want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}
