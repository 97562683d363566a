// Package federation implements the DS-to-DS federation plane: the
// outbound durable queue with backoff/retry, the inbound
// XRPC handlers federated peers call, discovery/handshake negotiation,
// and orderly transfer / unplanned failover of a conversation's
// sequencer.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-chat/ds/internal/actor"
	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/identity"
	"github.com/catbird-chat/ds/internal/models"
	"github.com/catbird-chat/ds/internal/serviceauth"
)

// NSID returns the full XRPC method id for a DS-to-DS call; the short
// method name is what the queue and capability sets carry.
func NSID(method string) string { return "blue.catbird.mls.ds." + method }

// xrpcURL joins a peer's base endpoint with the method's XRPC path.
func xrpcURL(endpoint, method string) string {
	return strings.TrimRight(endpoint, "/") + "/xrpc/" + NSID(method)
}

// baseBackoff/maxBackoff bound the retry schedule:
// min(60s * 2^attempts, 1h) +/- 20% jitter.
const (
	baseBackoff = 60 * time.Second
	maxBackoff  = time.Hour
)

func backoffFor(attempts int, rng *rand.Rand) time.Duration {
	d := baseBackoff
	for i := 0; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := 1 + (rng.Float64()*0.4 - 0.2) // +/- 20%
	return time.Duration(float64(d) * jitter)
}

// Queue is the durable outbound FIFO-per-target-DS. Jobs are claimed
// with SKIP LOCKED so a fixed worker pool can pull work without
// contending on row locks, the same claiming discipline the
// key-package ledger uses (internal/keypackage).
type Queue struct {
	pool     *pgxpool.Pool
	auth     *serviceauth.Service
	resolver identity.Resolver
	selfDID  models.DID
	http     *http.Client
	logger   *slog.Logger
}

func NewQueue(pool *pgxpool.Pool, auth *serviceauth.Service, resolver identity.Resolver, selfDID models.DID, logger *slog.Logger) *Queue {
	return &Queue{
		pool:     pool,
		auth:     auth,
		resolver: resolver,
		selfDID:  selfDID,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		logger: logger,
	}
}

// Enqueue appends a new outbound job, resolving the target's federation
// endpoint first. The target may be a user DID (welcome delivery): the
// stored target_ds_did is always the DS actually serving the endpoint,
// so minted tokens are addressed to the DS and not the user. Satisfies
// internal/actor's Replicator interface.
func (q *Queue) Enqueue(ctx context.Context, job actor.OutboundJobRequest) error {
	resolved, err := q.resolver.Resolve(ctx, job.TargetDsDID)
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "resolving federation target endpoint", err)
	}
	targetDS := job.TargetDsDID.Canonical()
	if resolved.ServiceDID != "" {
		targetDS = resolved.ServiceDID.Canonical()
	}
	if models.Equivalent(targetDS, q.selfDID) {
		// Local recipient: nothing to federate.
		return nil
	}
	_, err = q.pool.Exec(ctx,
		`INSERT INTO outbound_queue (id, target_ds_did, target_endpoint, method, payload, convo_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		models.NewULID().String(), string(targetDS), resolved.Endpoint, job.Method, job.Payload, job.ConvoID,
	)
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "enqueueing outbound federation job", err)
	}
	return nil
}

// claimedJob is one row claimed for processing by a single worker.
type claimedJob struct {
	id             string
	targetDsDID    string
	targetEndpoint string
	method         string
	payload        []byte
	convoID        string
	attempts       int
}

func (q *Queue) claim(ctx context.Context) (*claimedJob, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "beginning outbound claim transaction", err)
	}
	defer tx.Rollback(ctx)

	var j claimedJob
	err = tx.QueryRow(ctx,
		`SELECT id, target_ds_did, target_endpoint, method, payload, COALESCE(convo_id, ''), attempts
		 FROM outbound_queue
		 WHERE status = 'pending' AND next_attempt_at <= now()
		 ORDER BY next_attempt_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
	).Scan(&j.id, &j.targetDsDID, &j.targetEndpoint, &j.method, &j.payload, &j.convoID, &j.attempts)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "claiming outbound job", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbound_queue SET status = 'in_flight' WHERE id = $1`, j.id); err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "marking outbound job in-flight", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "committing outbound claim", err)
	}
	return &j, nil
}

// RunWorker loops claiming and processing jobs until ctx is cancelled.
// A fixed pool of these (worker pool size per config) forms the
// outbound plane.
func (q *Queue) RunWorker(ctx context.Context, pollInterval time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				job, err := q.claim(ctx)
				if err != nil {
					q.logger.Error("claiming outbound job failed", slog.String("error", err.Error()))
					break
				}
				if job == nil {
					break
				}
				q.process(ctx, job, rng)
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, job *claimedJob, rng *rand.Rand) {
	token, err := q.auth.Mint(models.DID(job.targetDsDID), NSID(job.method))
	if err != nil {
		q.retry(ctx, job, "minting service-auth token: "+err.Error(), rng)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, xrpcURL(job.targetEndpoint, job.method), bytesReader(job.payload))
	if err != nil {
		q.deadLetter(ctx, job, "building outbound request: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := q.http.Do(req)
	if err != nil {
		q.retry(ctx, job, "transport error: "+err.Error(), rng)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if job.method == "deliverMessage" {
			q.recordAck(ctx, job, resp.Body)
		}
		q.succeed(ctx, job)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		q.retry(ctx, job, "remote returned "+resp.Status, rng)
	default:
		// Fatal 4xx (other than 429): still bounded-retried rather than
		// dead-lettered on the first failure, since a transiently
		// misrouted request (e.g. peer mid-key-rotation) can become
		// valid again before the attempt budget is exhausted.
		q.retry(ctx, job, "remote returned "+resp.Status, rng)
	}
}

// recordAck persists a signed delivery ack returned by the receiving
// DS, keyed by (convo_id, message_id, receiver_ds_did). Best-effort: a
// missing or malformed ack never fails the delivery.
func (q *Queue) recordAck(ctx context.Context, job *claimedJob, body io.Reader) {
	var resp struct {
		Ack *models.DeliveryAck `json:"ack"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 1<<16)).Decode(&resp); err != nil || resp.Ack == nil {
		return
	}
	ack := resp.Ack
	if _, err := q.pool.Exec(ctx,
		`INSERT INTO delivery_acks (convo_id, message_id, receiver_ds_did, epoch, acked_at, signature)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (convo_id, message_id, receiver_ds_did) DO NOTHING`,
		ack.ConvoID, ack.MessageID.String(), string(ack.ReceiverDsDID), ack.Epoch, ack.AckedAt, ack.Signature,
	); err != nil {
		q.logger.Warn("persisting delivery ack failed",
			slog.String("convo_id", ack.ConvoID), slog.String("error", err.Error()))
	}
}

func (q *Queue) succeed(ctx context.Context, job *claimedJob) {
	if _, err := q.pool.Exec(ctx, `DELETE FROM outbound_queue WHERE id = $1`, job.id); err != nil {
		q.logger.Error("deleting completed outbound job failed", slog.String("error", err.Error()))
	}
	if _, err := q.pool.Exec(ctx,
		`UPDATE federation_peers SET successful_request_count = successful_request_count + 1, last_seen_at = now() WHERE ds_did = $1`,
		job.targetDsDID,
	); err != nil {
		q.logger.Error("bumping peer success counter failed", slog.String("error", err.Error()))
	}
}

func (q *Queue) retry(ctx context.Context, job *claimedJob, reason string, rng *rand.Rand) {
	attempts := job.attempts + 1
	if attempts >= models.MaxOutboundAttempts {
		q.deadLetter(ctx, job, reason)
		return
	}
	next := time.Now().Add(backoffFor(attempts, rng))
	if _, err := q.pool.Exec(ctx,
		`UPDATE outbound_queue SET status = 'pending', attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`,
		job.id, attempts, next, reason,
	); err != nil {
		q.logger.Error("rescheduling outbound job failed", slog.String("error", err.Error()))
	}
}

func (q *Queue) deadLetter(ctx context.Context, job *claimedJob, reason string) {
	if _, err := q.pool.Exec(ctx,
		`UPDATE outbound_queue SET status = 'dead_letter', last_error = $2 WHERE id = $1`,
		job.id, reason,
	); err != nil {
		q.logger.Error("dead-lettering outbound job failed", slog.String("error", err.Error()))
	}
	q.logger.Warn("outbound job dead-lettered", slog.String("job_id", job.id), slog.String("target", job.targetDsDID), slog.String("method", job.method), slog.String("reason", reason))
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
