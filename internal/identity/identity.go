// Package identity implements DID canonicalization, endpoint/key
// resolution, and inbound federation peer policy enforcement.
package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

// ResolvedIdentity is what a Resolver returns for a DID: its federation
// endpoint and the public key used to verify its signatures.
type ResolvedIdentity struct {
	Endpoint     string
	VerifyingKey []byte // ES256/Ed25519 public key bytes
	// ServiceDID names the delivery service behind Endpoint. For a DS's
	// own DID it equals the resolved DID; for a user DID it names the
	// user's home DS, which is the identity service-auth tokens must be
	// addressed to.
	ServiceDID  models.DID
	CachedUntil time.Time
}

// Resolver maps a DID to its service endpoint and verifying key.
// Resolution failure (network/DNS error) must be distinguishable from
// identity-not-found (ErrNotFound) so callers can choose retry policy.
type Resolver interface {
	Resolve(ctx context.Context, did models.DID) (*ResolvedIdentity, error)
}

// ErrNotFound indicates the resolver located the identity's DID document
// but it declares no Catbird-compatible service endpoint.
var ErrNotFound = &resolverNotFoundError{}

type resolverNotFoundError struct{}

func (e *resolverNotFoundError) Error() string { return "identity: DID has no delivery-service endpoint" }

// resolverCacheSize bounds the in-process resolver cache; a busy DS
// talks to far fewer identities than this at once.
const resolverCacheSize = 4096

// CachingResolver wraps a Resolver with a short in-process TTL cache, so
// a resolution failure is tolerated for the duration of a single
// outbound call without hammering the directory on every request. Each
// entry lives until the resolved identity's own CachedUntil.
type CachingResolver struct {
	inner Resolver
	cache *TTLCache[*ResolvedIdentity]
}

func NewCachingResolver(inner Resolver) *CachingResolver {
	return &CachingResolver{inner: inner, cache: NewTTLCache[*ResolvedIdentity](time.Minute, resolverCacheSize)}
}

func (c *CachingResolver) Resolve(ctx context.Context, did models.DID) (*ResolvedIdentity, error) {
	canon := did.Canonical()
	if v, ok := c.cache.Get(string(canon)); ok {
		return v, nil
	}
	resolved, err := c.inner.Resolve(ctx, canon)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(string(canon), resolved, time.Until(resolved.CachedUntil))
	return resolved, nil
}

// PeerPolicy enforces the inbound federation request policy: it
// upserts last_seen_at, reads the peer's trust status, and adjusts
// trust_score on success/rejection/invalid-token.
type PeerPolicy struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	counterMu sync.Mutex
	counters  map[string]*counterDelta
}

type counterDelta struct {
	successDelta int64
	rejectDelta  int64
	invalidDelta int64
	scoreDelta   int
}

func NewPeerPolicy(pool *pgxpool.Pool, logger *slog.Logger) *PeerPolicy {
	return &PeerPolicy{pool: pool, logger: logger, counters: make(map[string]*counterDelta)}
}

// CheckInbound upserts last_seen_at for peerDID and returns its current
// status. Callers must then call RecordOutcome once the request has been
// classified as success/rejected/invalid-token.
func (p *PeerPolicy) CheckInbound(ctx context.Context, peerDID models.DID) (models.PeerStatus, *int, error) {
	canon := peerDID.Canonical()

	var status models.PeerStatus
	var maxRPM *int
	err := p.pool.QueryRow(ctx,
		`INSERT INTO federation_peers (ds_did, status, last_seen_at)
		 VALUES ($1, 'pending', now())
		 ON CONFLICT (ds_did) DO UPDATE SET last_seen_at = now()
		 RETURNING status, max_requests_per_minute`,
		string(canon),
	).Scan(&status, &maxRPM)
	if err != nil {
		return "", nil, dserr.Wrap(dserr.KindInternal, "upserting federation peer", err)
	}

	if status != models.PeerStatusAllow {
		return status, maxRPM, dserr.New(dserr.KindUnauthorized, "peer is not in allow status: "+string(status))
	}
	return status, maxRPM, nil
}

// RecordOutcome batches a trust-score/counter adjustment for peerDID to be
// flushed periodically by StartCounterFlusher, rather than serializing
// every inbound federation request through a single-row UPDATE.
func (p *PeerPolicy) RecordOutcome(peerDID models.DID, outcome Outcome) {
	canon := string(peerDID.Canonical())

	p.counterMu.Lock()
	defer p.counterMu.Unlock()
	d, ok := p.counters[canon]
	if !ok {
		d = &counterDelta{}
		p.counters[canon] = d
	}
	switch outcome {
	case OutcomeSuccess:
		d.successDelta++
		d.scoreDelta += models.TrustScoreSuccessBump
	case OutcomeRejected:
		d.rejectDelta++
		d.scoreDelta += models.TrustScoreRejectBump
	case OutcomeInvalidToken:
		d.invalidDelta++
		d.scoreDelta += models.TrustScoreInvalidBump
	}
}

// Outcome classifies the result of one inbound federation request for
// trust-score bookkeeping.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRejected
	OutcomeInvalidToken
)

// StartCounterFlusher periodically flushes batched peer counters to the
// database, so reputation bumps don't serialize every request through a
// single-row UPDATE. Call the returned stop function to shut it down.
func (p *PeerPolicy) StartCounterFlusher(ctx context.Context, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.flushCounters(ctx)
			case <-done:
				p.flushCounters(ctx)
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *PeerPolicy) flushCounters(ctx context.Context) {
	p.counterMu.Lock()
	snapshot := p.counters
	p.counters = make(map[string]*counterDelta)
	p.counterMu.Unlock()

	for did, d := range snapshot {
		if d.successDelta == 0 && d.rejectDelta == 0 && d.invalidDelta == 0 && d.scoreDelta == 0 {
			continue
		}
		_, err := p.pool.Exec(ctx,
			`UPDATE federation_peers
			 SET successful_request_count = successful_request_count + $2,
			     rejected_count = rejected_count + $3,
			     invalid_token_count = invalid_token_count + $4,
			     trust_score = GREATEST($5, LEAST($6, trust_score + $7))
			 WHERE ds_did = $1`,
			did, d.successDelta, d.rejectDelta, d.invalidDelta,
			models.TrustScoreMin, models.TrustScoreMax, d.scoreDelta,
		)
		if err != nil {
			p.logger.Error("flushing peer counters failed", slog.String("peer_did", did), slog.String("error", err.Error()))
		}
	}
}

// SetPeerStatus is an operator admin operation promoting/suspending/
// blocking a peer DS.
func (p *PeerPolicy) SetPeerStatus(ctx context.Context, peerDID models.DID, status models.PeerStatus) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO federation_peers (ds_did, status, last_seen_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (ds_did) DO UPDATE SET status = $2`,
		string(peerDID.Canonical()), string(status),
	)
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "setting peer status", err)
	}
	return nil
}

// GetPeer fetches the current federation_peers row for did, or nil if
// unknown.
func (p *PeerPolicy) GetPeer(ctx context.Context, did models.DID) (*models.FederationPeer, error) {
	var fp models.FederationPeer
	var didStr string
	err := p.pool.QueryRow(ctx,
		`SELECT ds_did, status, trust_score, max_requests_per_minute,
		        invalid_token_count, rejected_count, successful_request_count, last_seen_at
		 FROM federation_peers WHERE ds_did = $1`,
		string(did.Canonical()),
	).Scan(&didStr, &fp.Status, &fp.TrustScore, &fp.MaxRequestsPerMinute,
		&fp.InvalidTokenCount, &fp.RejectedCount, &fp.SuccessfulRequestCount, &fp.LastSeenAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "fetching federation peer", err)
	}
	fp.DsDID = models.DID(didStr)
	return &fp, nil
}
