package idempotency

import (
	"encoding/json"
	"testing"
)

func TestEntryJSONRoundTrip(t *testing.T) {
	e := Entry{Endpoint: "sendMessage", ResponseBody: []byte(`{"ok":true}`), StatusCode: 200}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Entry
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Endpoint != e.Endpoint || got.StatusCode != e.StatusCode || string(got.ResponseBody) != string(e.ResponseBody) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestCacheKeyNamespaced(t *testing.T) {
	if got := cacheKey("abc123"); got != "idempotency:abc123" {
		t.Fatalf("cacheKey() = %q, want namespaced key", got)
	}
}
