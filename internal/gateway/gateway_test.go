package gateway

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/catbird-chat/ds/internal/models"
)

func TestTicketIssueRedeemRoundTrip(t *testing.T) {
	svc := NewTicketService([]byte("test-ticket-secret"), 30*time.Second)

	token, err := svc.Issue(models.DID("did:example:alice"), "convo-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ticket, err := svc.Redeem(token)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if ticket.UserDID != "did:example:alice" {
		t.Errorf("UserDID = %q, want did:example:alice", ticket.UserDID)
	}
	if ticket.ConvoID != "convo-1" {
		t.Errorf("ConvoID = %q, want convo-1", ticket.ConvoID)
	}
}

func TestTicketSingleRedemption(t *testing.T) {
	svc := NewTicketService([]byte("test-ticket-secret"), 30*time.Second)

	token, err := svc.Issue(models.DID("did:example:alice"), "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Redeem(token); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	if _, err := svc.Redeem(token); err == nil {
		t.Fatal("second Redeem of the same ticket must fail")
	}
}

func TestTicketExpiry(t *testing.T) {
	svc := NewTicketService([]byte("test-ticket-secret"), -time.Second)
	svc.ttl = 1 * time.Millisecond

	token, err := svc.Issue(models.DID("did:example:alice"), "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := svc.Redeem(token); err == nil {
		t.Fatal("expired ticket must not redeem")
	}
}

func TestTicketWrongSecret(t *testing.T) {
	issuer := NewTicketService([]byte("secret-a"), 30*time.Second)
	verifier := NewTicketService([]byte("secret-b"), 30*time.Second)

	token, err := issuer.Issue(models.DID("did:example:alice"), "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Redeem(token); err == nil {
		t.Fatal("ticket signed with a different secret must not redeem")
	}
}

func TestExtractTicketProtocol(t *testing.T) {
	tests := []struct {
		name   string
		header []string
		want   string
	}{
		{"missing", nil, ""},
		{"single", []string{"catbird-ticket.abc.def.ghi"}, "abc.def.ghi"},
		{"with event protocol", []string{"catbird.events.v1, catbird-ticket.tok"}, "tok"},
		{"multiple headers", []string{"catbird.events.v1", "catbird-ticket.tok2"}, "tok2"},
		{"unrelated", []string{"graphql-ws"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/subscribe", nil)
			for _, h := range tc.header {
				r.Header.Add("Sec-WebSocket-Protocol", h)
			}
			if got := extractTicketProtocol(r); got != tc.want {
				t.Errorf("extractTicketProtocol = %q, want %q", got, tc.want)
			}
		})
	}
}
