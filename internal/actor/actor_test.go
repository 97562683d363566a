package actor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/catbird-chat/ds/internal/models"
)

func testRegistry() *Registry {
	return NewRegistry(nil, nil, nil, nil, "did:web:self.example", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistryGetReturnsSameActor(t *testing.T) {
	r := testRegistry()
	defer r.Shutdown()

	a := r.Get("convo1")
	b := r.Get("convo1")
	if a != b {
		t.Fatal("Get for the same convo must return the running actor, not spawn a second")
	}
	if r.Get("convo2") == a {
		t.Fatal("distinct conversations must get distinct actors")
	}
}

func TestRegistryShutdownDrainsActors(t *testing.T) {
	r := testRegistry()
	a := r.Get("convo1")
	r.Shutdown()

	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not exit after registry shutdown")
	}

	// A fresh Get after shutdown spawns a new actor.
	if r.Get("convo1") == a {
		t.Fatal("Get after shutdown must spawn a fresh actor")
	}
	r.Shutdown()
}

func TestEphemeralSendEnforcesPadding(t *testing.T) {
	r := testRegistry()
	defer r.Shutdown()
	a := r.Get("convo1")

	ctx := context.Background()
	msgID := models.NewULID().String()
	payload := make([]byte, 512)

	if _, err := a.SendMessage(ctx, "did:web:alice.example#d1", payload, msgID, 1, 511, "", true); err == nil {
		t.Fatal("ciphertext length differing from paddedSize must be rejected")
	}

	result, err := a.SendMessage(ctx, "did:web:alice.example#d1", payload, msgID, 1, 512, "", true)
	if err != nil {
		t.Fatalf("ephemeral send: %v", err)
	}
	if result.MessageID.String() != msgID {
		t.Errorf("MessageID = %s, want %s", result.MessageID, msgID)
	}
}

func TestEphemeralSendRejectsOversize(t *testing.T) {
	r := testRegistry()
	defer r.Shutdown()
	a := r.Get("convo1")

	payload := make([]byte, models.MaxCiphertextSize+1)
	if _, err := a.SendMessage(context.Background(), "did:web:alice.example#d1", payload, models.NewULID().String(), 1, len(payload), "", true); err == nil {
		t.Fatal("ciphertext one byte past the largest padding bucket must be rejected")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(errors.New("boring error")) {
		t.Fatal("plain error must not classify as unique violation")
	}
	if isUniqueViolation(nil) {
		t.Fatal("nil error must not classify as unique violation")
	}

	wrapped := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	if !isUniqueViolation(wrapped) {
		t.Fatal("23505 PgError must classify as unique violation")
	}

	other := &pgconn.PgError{Code: "23503", Message: "fk violation"}
	if isUniqueViolation(other) {
		t.Fatal("non-23505 PgError must not classify as unique violation")
	}
}

func TestOutboundJobRequestFields(t *testing.T) {
	req := OutboundJobRequest{TargetDsDID: "did:example:peer", Method: "deliverMessage", ConvoID: "c1"}
	if req.Method != "deliverMessage" {
		t.Fatalf("unexpected method %q", req.Method)
	}
}
