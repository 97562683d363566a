package federation

import (
	"io"
	"log/slog"
	"testing"
)

func TestNegotiateProtocol(t *testing.T) {
	if got := NegotiateProtocol([]string{Version}, []string{Version}); got != Version {
		t.Errorf("NegotiateProtocol() = %q, want %q", got, Version)
	}
	if got := NegotiateProtocol([]string{Version}, []string{"catbird-federation/9"}); got != Version {
		t.Errorf("NegotiateProtocol() with no overlap = %q, want fallback %q", got, Version)
	}
}

func TestNegotiateCapabilities(t *testing.T) {
	local := []string{"deliverMessage", "deliverWelcome", "submitCommit"}
	remote := []string{"submitCommit", "deliverMessage", "somethingElse"}

	got := NegotiateCapabilities(local, remote)
	want := []string{"deliverMessage", "submitCommit"}
	if len(got) != len(want) {
		t.Fatalf("NegotiateCapabilities() = %v, want %v", got, want)
	}
	for i, c := range want {
		if got[i] != c {
			t.Errorf("NegotiateCapabilities()[%d] = %q, want %q", i, got[i], c)
		}
	}
}

func TestDiscoveryPeerCapabilitiesDefaultsBeforeHandshake(t *testing.T) {
	d, err := NewDiscovery("did:web:catbird.example", "catbird.example", "https://catbird.example", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewDiscovery() error = %v", err)
	}
	caps := d.PeerCapabilities("did:web:other.example")
	if len(caps) != len(DefaultCapabilities) {
		t.Errorf("PeerCapabilities() before handshake = %v, want default set", caps)
	}
}
