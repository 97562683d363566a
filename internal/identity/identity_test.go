package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/catbird-chat/ds/internal/models"
)

type countingResolver struct {
	calls int
	resp  *ResolvedIdentity
	err   error
}

func (c *countingResolver) Resolve(ctx context.Context, did models.DID) (*ResolvedIdentity, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func TestCachingResolver_CachesUntilExpiry(t *testing.T) {
	inner := &countingResolver{resp: &ResolvedIdentity{
		Endpoint:     "https://ds.example.com",
		VerifyingKey: []byte("key"),
		CachedUntil:  time.Now().Add(50 * time.Millisecond),
	}}
	r := NewCachingResolver(inner)

	did := models.DID("did:plc:alice#device-1")
	if _, err := r.Resolve(context.Background(), did); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if _, err := r.Resolve(context.Background(), models.DID("did:plc:alice#device-2")); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 underlying resolve call (canonical-form cache hit across devices), got %d", inner.calls)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := r.Resolve(context.Background(), did); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected cache entry to expire and trigger a second resolve, got %d calls", inner.calls)
	}
}

func TestCachingResolver_PropagatesError(t *testing.T) {
	wantErr := errors.New("dns failure")
	inner := &countingResolver{err: wantErr}
	r := NewCachingResolver(inner)

	_, err := r.Resolve(context.Background(), models.DID("did:plc:bob"))
	if !errors.Is(err, wantErr) {
		t.Fatalf("Resolve() error = %v, want %v", err, wantErr)
	}
}
