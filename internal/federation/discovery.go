package federation

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/catbird-chat/ds/internal/models"
)

// Version is the federation wire-protocol version this DS speaks.
// SupportedVersions stays a list so a successor version can be
// negotiated in without breaking existing peers.
const Version = "catbird-federation/1"

// SupportedVersions lists all protocol versions this instance accepts
// during handshake negotiation.
var SupportedVersions = []string{Version}

// DefaultCapabilities lists the DS-to-DS methods this instance serves,
// advertised at discovery time and intersected during handshake so two
// peers only attempt operations both sides actually implement.
var DefaultCapabilities = []string{
	"deliverMessage", "deliverWelcome", "submitCommit", "fetchKeyPackage",
	"transferSequencer", "acceptTransfer", "healthCheck", "requestFailover",
}

// DiscoveryResponse is the payload served at /.well-known/catbird,
// letting a remote DS learn this instance's DID, federation endpoint,
// verifying key, and capabilities without an out-of-band directory
// lookup.
type DiscoveryResponse struct {
	ServiceDID         string   `json:"service_did"`
	Domain             string   `json:"domain"`
	Endpoint           string   `json:"endpoint"`
	VerifyingKey       string   `json:"verifying_key"` // base64 PKIX DER, ES256
	Software           string   `json:"software"`
	ProtocolVersion    string   `json:"protocol_version"`
	SupportedProtocols []string `json:"supported_protocols"`
	Capabilities       []string `json:"capabilities"`
}

// HandshakeRequest is sent by an initiating DS to negotiate a common
// protocol version and capability set before relying on any federation
// endpoint.
type HandshakeRequest struct {
	SenderDID         string   `json:"sender_ds_did"`
	ProtocolVersion   string   `json:"protocol_version"`
	SupportedVersions []string `json:"supported_versions"`
	Capabilities      []string `json:"capabilities"`
}

// HandshakeResponse is returned by the receiving DS. NegotiatedVersion
// is the highest common protocol version both peers support.
type HandshakeResponse struct {
	Accepted          bool     `json:"accepted"`
	NegotiatedVersion string   `json:"negotiated_version"`
	Capabilities      []string `json:"capabilities"`
	Reason            string   `json:"reason,omitempty"`
}

// NegotiateProtocol returns the highest-priority version present in
// both local and remote, falling back to Version if there is no
// overlap.
func NegotiateProtocol(local, remote []string) string {
	remoteSet := make(map[string]bool, len(remote))
	for _, v := range remote {
		remoteSet[v] = true
	}
	for _, v := range local {
		if remoteSet[v] {
			return v
		}
	}
	return Version
}

// NegotiateCapabilities returns the intersection of local and remote
// capabilities, preserving local order.
func NegotiateCapabilities(local, remote []string) []string {
	remoteSet := make(map[string]bool, len(remote))
	for _, c := range remote {
		remoteSet[c] = true
	}
	result := make([]string, 0, len(local))
	for _, c := range local {
		if remoteSet[c] {
			result = append(result, c)
		}
	}
	return result
}

// Discovery serves this instance's own discovery document and handles
// inbound handshake negotiation from peer DSes. It holds no database
// handle: negotiated peer capability sets are kept in memory, and the
// rest of peer bookkeeping (trust, rate limits) lives in
// identity.PeerPolicy.
type Discovery struct {
	selfDID      models.DID
	domain       string
	endpoint     string
	verifyingKey []byte // PKIX DER
	logger       *slog.Logger

	mu           sync.Mutex
	peerCaps     map[string][]string // negotiated capability set per peer DID
}

// NewDiscovery derives the DER-encoded public key from signingKey (nil
// is accepted for dev deployments running HS256-only service auth, in
// which case VerifyingKey is served empty and peers must be configured
// out-of-band).
func NewDiscovery(selfDID models.DID, domain, endpoint string, signingKey *ecdsa.PublicKey, logger *slog.Logger) (*Discovery, error) {
	var der []byte
	if signingKey != nil {
		var err error
		der, err = x509.MarshalPKIXPublicKey(signingKey)
		if err != nil {
			return nil, fmt.Errorf("marshaling verifying key: %w", err)
		}
	}
	return &Discovery{
		selfDID:      selfDID,
		domain:       domain,
		endpoint:     endpoint,
		verifyingKey: der,
		logger:       logger,
		peerCaps:     make(map[string][]string),
	}, nil
}

// HandleWellKnown serves GET /.well-known/catbird.
func (d *Discovery) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	resp := DiscoveryResponse{
		ServiceDID:         string(d.selfDID),
		Domain:             d.domain,
		Endpoint:           d.endpoint,
		VerifyingKey:       base64.StdEncoding.EncodeToString(d.verifyingKey),
		Software:           "catbird",
		ProtocolVersion:    Version,
		SupportedProtocols: SupportedVersions,
		Capabilities:       DefaultCapabilities,
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleHandshake handles POST /xrpc/blue.catbird.mls.ds.handshake, negotiating a
// protocol version and capability set with the calling DS and
// remembering the result for later capability checks.
func (d *Discovery) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	var req HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(HandshakeResponse{Accepted: false, Reason: "malformed handshake request"})
		return
	}
	defer r.Body.Close()

	negotiatedVersion := NegotiateProtocol(SupportedVersions, req.SupportedVersions)
	negotiatedCaps := NegotiateCapabilities(DefaultCapabilities, req.Capabilities)

	d.mu.Lock()
	d.peerCaps[req.SenderDID] = negotiatedCaps
	d.mu.Unlock()

	d.logger.Info("federation handshake accepted",
		slog.String("peer", req.SenderDID),
		slog.String("version", negotiatedVersion),
		slog.Int("capabilities", len(negotiatedCaps)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HandshakeResponse{
		Accepted:          true,
		NegotiatedVersion: negotiatedVersion,
		Capabilities:      negotiatedCaps,
	})
}

// PeerCapabilities returns the last negotiated capability set for a
// peer DID, or DefaultCapabilities if no handshake has occurred yet:
// peers are assumed fully capable until proven otherwise.
func (d *Discovery) PeerCapabilities(peerDID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if caps, ok := d.peerCaps[peerDID]; ok {
		return caps
	}
	return DefaultCapabilities
}
