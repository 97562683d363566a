package dsapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/catbird-chat/ds/internal/dserr"
)

func TestClampLimit(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"", 50},
		{"abc", 50},
		{"0", 1},
		{"-3", 1},
		{"1", 1},
		{"42", 42},
		{"100", 100},
		{"101", 100},
		{"99999", 100},
	}
	for _, c := range cases {
		if got := clampLimit(c.raw, 50, 100); got != c.want {
			t.Errorf("clampLimit(%q) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestWriteErrorConflictCarriesEpoch(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, dserr.Conflict(7))

	if rec.Code != 409 {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body struct {
		Error struct {
			Code         string  `json:"code"`
			CurrentEpoch *uint32 `json:"current_epoch"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if body.Error.Code != "ConflictDetected" {
		t.Errorf("code = %q, want ConflictDetected", body.Error.Code)
	}
	if body.Error.CurrentEpoch == nil || *body.Error.CurrentEpoch != 7 {
		t.Errorf("current_epoch = %v, want 7", body.Error.CurrentEpoch)
	}
}

func TestWriteErrorRateLimitedSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, dserr.RateLimited(12))

	if rec.Code != 429 {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "12" {
		t.Errorf("Retry-After = %q, want 12", rec.Header().Get("Retry-After"))
	}
}

func TestWriteErrorOpaqueInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errTest{})

	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := rec.Body.String(); !json.Valid([]byte(got)) {
		t.Fatalf("body is not JSON: %q", got)
	}
}

type errTest struct{}

func (errTest) Error() string { return "database password is hunter2" }
