package blob

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "groupinfo/c1/3", []byte("blob")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "groupinfo/c1/3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "blob" {
		t.Errorf("Get = %q, want blob", got)
	}

	// Mutating the returned slice must not corrupt the stored copy.
	got[0] = 'X'
	again, _ := s.Get(ctx, "groupinfo/c1/3")
	if string(again) != "blob" {
		t.Error("stored value aliased caller's slice")
	}

	if err := s.Delete(ctx, "groupinfo/c1/3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "groupinfo/c1/3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: want ErrNotFound, got %v", err)
	}
}
