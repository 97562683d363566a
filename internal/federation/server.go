package federation

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-chat/ds/internal/actor"
	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/identity"
	"github.com/catbird-chat/ds/internal/keypackage"
	"github.com/catbird-chat/ds/internal/models"
	"github.com/catbird-chat/ds/internal/sequencer"
	"github.com/catbird-chat/ds/internal/serviceauth"
)

func outboundJob(targetDsDID models.DID, method string, payload []byte, convoID string) actor.OutboundJobRequest {
	return actor.OutboundJobRequest{TargetDsDID: targetDsDID, Method: method, Payload: payload, ConvoID: convoID}
}

// Bus is the subset of internal/fanout.Bus the federation plane needs
// to emit local envelopes for events arriving over the wire from a
// peer DS. Declared locally to avoid importing internal/fanout.
type Bus interface {
	Publish(ctx context.Context, convoID, eventType string, payload []byte, persist bool) (models.ULID, error)
}

// Server implements the inbound DS-to-DS XRPC surface:
// deliverMessage, deliverWelcome, submitCommit, fetchKeyPackage,
// transferSequencer, acceptTransfer, healthCheck, plus the
// client-driven requestFailover endpoint. All handlers assume
// serviceauth.RequireServiceAuth already ran and populated the peer DID
// in the request context.
type Server struct {
	pool       *pgxpool.Pool
	seq        *sequencer.Sequencer
	ledger     *keypackage.Ledger
	bus        Bus
	peerPolicy *identity.PeerPolicy
	queue      *Queue
	resolver   identity.Resolver
	selfDID    models.DID
	ackKey     *ecdsa.PrivateKey // nil disables signed delivery acks
	logger     *slog.Logger
}

func NewServer(pool *pgxpool.Pool, seq *sequencer.Sequencer, ledger *keypackage.Ledger, bus Bus, peerPolicy *identity.PeerPolicy, queue *Queue, resolver identity.Resolver, selfDID models.DID, ackKey *ecdsa.PrivateKey, logger *slog.Logger) *Server {
	return &Server{pool: pool, seq: seq, ledger: ledger, bus: bus, peerPolicy: peerPolicy, queue: queue, resolver: resolver, selfDID: selfDID, ackKey: ackKey, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDSErr writes err as a JSON error envelope and records its
// federation-trust outcome for peerDID.
func (s *Server) writeDSErr(w http.ResponseWriter, peerDID models.DID, err error) {
	s.recordOutcome(peerDID, err)
	if dsErr := dserr.As(err); dsErr != nil {
		body := map[string]interface{}{"code": string(dsErr.Kind), "message": dsErr.Message}
		if dsErr.CurrentEpoch != nil {
			body["current_epoch"] = *dsErr.CurrentEpoch
		}
		if dsErr.RetryAfter != 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dsErr.RetryAfter))
		}
		writeJSON(w, dserr.HTTPStatus(dsErr.Kind), map[string]interface{}{"error": body})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]string{"code": "internal", "message": "internal error"},
	})
}

// writeOK writes a successful JSON response and records the
// corresponding peer-trust success outcome.
func (s *Server) writeOK(w http.ResponseWriter, peerDID models.DID, v interface{}) {
	s.recordOutcome(peerDID, nil)
	writeJSON(w, http.StatusOK, v)
}

// recordOutcome classifies an inbound federation request's result for
// peer-reputation bookkeeping: unauthorized responses count as invalid
// tokens, forbidden/not-sequencer responses as rejections, and
// everything else that errored is treated as
// a success-path failure that doesn't penalize the peer (e.g. a local
// storage error isn't the peer's fault).
func (s *Server) recordOutcome(peerDID models.DID, err error) {
	if s.peerPolicy == nil {
		return
	}
	if err == nil {
		s.peerPolicy.RecordOutcome(peerDID, identity.OutcomeSuccess)
		return
	}
	if dsErr := dserr.As(err); dsErr != nil {
		switch dsErr.Kind {
		case dserr.KindUnauthorized:
			s.peerPolicy.RecordOutcome(peerDID, identity.OutcomeInvalidToken)
		case dserr.KindForbidden, dserr.KindNotSequencer:
			s.peerPolicy.RecordOutcome(peerDID, identity.OutcomeRejected)
		}
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dserr.Wrap(dserr.KindInvalidRequest, "decoding request body", err)
	}
	return nil
}

// --- deliverMessage ---

// DeliverMessage accepts a message replicated from the sequencer DS for
// this DS's local members. Idempotent on msg_id; the calling DS must be
// the conversation's sequencer.
func (s *Server) DeliverMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerDID := serviceauth.PeerDIDFromContext(ctx)

	var req models.DeliverMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	if len(req.Ciphertext) != req.PaddedSize {
		s.writeDSErr(w, peerDID, dserr.New(dserr.KindInvalidRequest, "ciphertext length must equal paddedSize"))
		return
	}

	if err := s.requireSequencerBinding(ctx, req.ConvoID, peerDID); err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}

	msgID, err := models.ParseULID(req.MsgID)
	if err != nil {
		s.writeDSErr(w, peerDID, dserr.Wrap(dserr.KindInvalidRequest, "msg_id is not a well-formed ULID", err))
		return
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, convo_id, message_type, epoch, seq, ciphertext, padded_size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (convo_id, id) DO NOTHING`,
		msgID.String(), req.ConvoID, req.MessageType, req.Epoch, req.Seq, req.Ciphertext, req.PaddedSize,
	)
	if err != nil {
		s.writeDSErr(w, peerDID, dserr.Wrap(dserr.KindInternal, "persisting replicated message", err))
		return
	}

	if tag.RowsAffected() > 0 {
		// A replicated commit also moves this DS's epoch mirror forward;
		// GREATEST keeps the advance monotonic if deliveries arrive out
		// of order.
		if req.MessageType == string(models.MessageTypeCommit) {
			if _, err := s.pool.Exec(ctx,
				`UPDATE conversations SET current_epoch = GREATEST(current_epoch, $2) WHERE id = $1`,
				req.ConvoID, req.Epoch,
			); err != nil {
				s.logger.Error("advancing replicated epoch failed", slog.String("convo_id", req.ConvoID), slog.String("error", err.Error()))
			}
		}
		if s.bus != nil {
			if _, err := s.bus.Publish(ctx, req.ConvoID, "MessageEvent", req.Ciphertext, true); err != nil {
				s.logger.Error("publishing replicated MessageEvent failed", slog.String("error", err.Error()))
			}
		}
	}

	resp := map[string]interface{}{"accepted": true}
	if s.ackKey != nil {
		ack, err := sequencer.SignAck(s.ackKey, msgID.String(), req.ConvoID, req.Epoch, s.selfDID, time.Now())
		if err != nil {
			s.logger.Error("signing delivery ack failed", slog.String("msg_id", msgID.String()), slog.String("error", err.Error()))
		} else {
			resp["ack"] = ack
		}
	}
	s.writeOK(w, peerDID, resp)
}

// --- deliverWelcome ---

// DeliverWelcome stores a welcome message for a local recipient. If the
// conversation already exists locally the sequencer binding is
// enforced; a conversation that doesn't exist yet is bootstrapped so a
// brand-new local recipient can join.
func (s *Server) DeliverWelcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerDID := serviceauth.PeerDIDFromContext(ctx)

	var req models.DeliverWelcomeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}

	exists, err := s.convoExists(ctx, req.ConvoID)
	if err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	if exists {
		if err := s.requireSequencerBinding(ctx, req.ConvoID, peerDID); err != nil {
			s.writeDSErr(w, peerDID, err)
			return
		}
	} else {
		// Bootstrap a shadow conversation so a brand-new local recipient
		// can join: the sending DS is its sequencer and the epoch starts
		// where the welcome says the group is.
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO conversations (id, creator_did, current_epoch, sequencer_ds)
			 VALUES ($1, $2, $3, $2)
			 ON CONFLICT (id) DO NOTHING`,
			req.ConvoID, string(peerDID.Canonical()), req.InitialEpoch,
		); err != nil {
			s.writeDSErr(w, peerDID, dserr.Wrap(dserr.KindInternal, "bootstrapping conversation for welcome", err))
			return
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO welcome_messages (id, convo_id, recipient_did, welcome_data, key_package_hash, state)
		 VALUES ($1, $2, $3, $4, $5, 'new')`,
		models.NewULID().String(), req.ConvoID, req.RecipientDID, req.WelcomeData, req.KeyPackageHash,
	)
	if err != nil {
		s.writeDSErr(w, peerDID, dserr.Wrap(dserr.KindInternal, "storing welcome message", err))
		return
	}
	s.writeOK(w, peerDID, map[string]interface{}{"accepted": true})
}

// --- submitCommit ---

// SubmitCommit is the sequencer-only endpoint performing the CAS epoch
// advancement for a commit forwarded by a remote participant DS.
func (s *Server) SubmitCommit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerDID := serviceauth.PeerDIDFromContext(ctx)

	var req models.SubmitCommitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}

	isSequencer, err := s.isSequencerFor(ctx, req.ConvoID)
	if err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	if !isSequencer {
		s.writeDSErr(w, peerDID, dserr.New(dserr.KindForbidden, "this DS is not the sequencer for the conversation"))
		return
	}
	isParticipant, err := s.isParticipantDS(ctx, req.ConvoID, peerDID)
	if err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	if !isParticipant {
		s.writeDSErr(w, peerDID, dserr.New(dserr.KindForbidden, "caller DS does not serve any member of this conversation"))
		return
	}

	result, err := s.seq.SubmitCommit(ctx, req.ConvoID, req.ExpectedEpoch, req.ProposedEpoch, req.CommitData)
	if err != nil {
		// SubmitCommit returns a non-nil *Result alongside a
		// dserr.Conflict on a lost CAS; writeDSErr already surfaces
		// its current_epoch from the typed error.
		s.writeDSErr(w, peerDID, err)
		return
	}
	s.writeOK(w, peerDID, map[string]interface{}{
		"accepted": result.Accepted,
		"receipt":  result.Receipt,
	})
}

// --- fetchKeyPackage ---

type fetchKeyPackageRequest struct {
	RecipientDID string `json:"recipient_did"`
	ConvoID      string `json:"convo_id"`
	CipherSuite  string `json:"cipher_suite"`
}

// FetchKeyPackage consumes a key package on behalf of a caller DS that
// is either the conversation's sequencer or a member-DS of the convo,
// and only for a recipient who is actually a member.
func (s *Server) FetchKeyPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerDID := serviceauth.PeerDIDFromContext(ctx)

	var req fetchKeyPackageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}

	isSequencer, err := s.isSequencerFor(ctx, req.ConvoID)
	if err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	if !isSequencer {
		isParticipant, err := s.isParticipantDS(ctx, req.ConvoID, peerDID)
		if err != nil {
			s.writeDSErr(w, peerDID, err)
			return
		}
		if !isParticipant {
			s.writeDSErr(w, peerDID, dserr.New(dserr.KindForbidden, "caller DS is neither sequencer nor a member-DS of this conversation"))
			return
		}
	}

	isMember, err := s.isMember(ctx, req.ConvoID, req.RecipientDID)
	if err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	if !isMember {
		s.writeDSErr(w, peerDID, dserr.New(dserr.KindForbidden, "recipient_did is not a member of this conversation"))
		return
	}

	consumed, err := s.ledger.ConsumeOne(ctx, models.DID(req.RecipientDID), req.ConvoID, req.CipherSuite, "")
	if err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	s.writeOK(w, peerDID, consumed)
}

// --- transferSequencer / acceptTransfer ---

type transferSequencerRequest struct {
	ConvoID       string `json:"convo_id"`
	SuccessorDID  string `json:"successor_ds_did"`
	CurrentEpoch  uint32 `json:"current_epoch"`
}

// TransferSequencer is the handler a peer DS, authenticated by service
// auth and admitted by the peer gate, calls on the current sequencer to
// initiate an orderly handoff, naming the conversation and the successor
// DS.
func (s *Server) TransferSequencer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerDID := serviceauth.PeerDIDFromContext(ctx)

	var req transferSequencerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	if err := s.doTransferSequencer(ctx, req.ConvoID, models.DID(req.SuccessorDID)); err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	s.writeOK(w, peerDID, map[string]interface{}{"transferred": true})
}

// doTransferSequencer calls the successor's AcceptTransfer and, on
// success, flips sequencer_ds locally.
func (s *Server) doTransferSequencer(ctx context.Context, convoID string, successor models.DID) error {
	isSequencer, err := s.isSequencerFor(ctx, convoID)
	if err != nil {
		return err
	}
	if !isSequencer {
		return dserr.New(dserr.KindForbidden, "only the current sequencer may initiate a transfer")
	}

	resolved, err := s.resolver.Resolve(ctx, successor)
	if err != nil {
		return dserr.Wrap(dserr.KindResolutionFailed, "resolving successor endpoint", err)
	}

	epoch, err := s.currentEpoch(ctx, convoID)
	if err != nil {
		return err
	}

	token, err := s.queue.auth.Mint(successor, NSID("acceptTransfer"))
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "minting transfer token", err)
	}

	body, err := json.Marshal(acceptTransferRequest{ConvoID: convoID, CurrentEpoch: epoch})
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "encoding accept-transfer request", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, xrpcURL(resolved.Endpoint, "acceptTransfer"), bytesReader(body))
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "building accept-transfer request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.queue.http.Do(httpReq)
	if err != nil {
		return dserr.Wrap(dserr.KindDsUnreachable, "contacting successor for transfer", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return dserr.New(dserr.KindTransferFailed, "successor rejected the transfer")
	}

	_, err = s.pool.Exec(ctx, `UPDATE conversations SET sequencer_ds = $2 WHERE id = $1`, convoID, string(successor))
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "flipping local sequencer_ds", err)
	}
	return nil
}

type acceptTransferRequest struct {
	ConvoID      string `json:"convo_id"`
	CurrentEpoch uint32 `json:"current_epoch"`
}

// AcceptTransfer is the inbound handler the successor DS exposes: it
// records itself as the conversation's sequencer in its own row and
// acknowledges. The initiator flips its own row once this returns
// success.
func (s *Server) AcceptTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerDID := serviceauth.PeerDIDFromContext(ctx)
	var req acceptTransferRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	exists, err := s.convoExists(ctx, req.ConvoID)
	if err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	if !exists {
		s.writeDSErr(w, peerDID, dserr.New(dserr.KindConversationNotFound, "conversation not known locally; bootstrap required first"))
		return
	}
	if _, err := s.pool.Exec(ctx, `UPDATE conversations SET sequencer_ds = $2 WHERE id = $1`, req.ConvoID, string(s.selfDID)); err != nil {
		s.writeDSErr(w, peerDID, dserr.Wrap(dserr.KindInternal, "accepting sequencer role locally", err))
		return
	}
	s.writeOK(w, peerDID, map[string]interface{}{"accepted": true})
}

// --- sequencerChanged ---

// SequencerChanged records a peer DS's announcement that it took over
// sequencing for a conversation after a failover. The announcement is
// advisory: the update only applies when the announcing peer is the one
// claiming the role, and a conversation this DS sequences itself is
// never reassigned by an inbound announcement.
func (s *Server) SequencerChanged(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peerDID := serviceauth.PeerDIDFromContext(ctx)

	var req models.SequencerChangedRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDSErr(w, peerDID, err)
		return
	}
	if !models.Equivalent(peerDID, models.DID(req.NewSequencerDsDID)) {
		s.writeDSErr(w, peerDID, dserr.New(dserr.KindForbidden, "a DS may only announce itself as the new sequencer"))
		return
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET sequencer_ds = $2
		 WHERE id = $1 AND sequencer_ds IS NOT NULL AND sequencer_ds <> $3`,
		req.ConvoID, string(peerDID.Canonical()), string(s.selfDID),
	)
	if err != nil {
		s.writeDSErr(w, peerDID, dserr.Wrap(dserr.KindInternal, "recording sequencer change", err))
		return
	}
	s.writeOK(w, peerDID, map[string]interface{}{"updated": tag.RowsAffected() > 0})
}

// --- healthCheck ---

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, serviceauth.PeerDIDFromContext(r.Context()), map[string]interface{}{"status": "ok"})
}

// Healthy probes a remote DS's healthCheck endpoint with the 15s
// timeout used for sequencer failover decisions.
func (s *Server) Healthy(ctx context.Context, peerDID models.DID, endpoint string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, xrpcURL(endpoint, "healthCheck"), nil)
	if err != nil {
		return false
	}
	token, err := s.queue.auth.Mint(peerDID, NSID("healthCheck"))
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.queue.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// --- requestFailover (client-driven) ---

// RequestFailover is the three-check CAS takeover of an
// unreachable sequencer: (a) conversation exists locally, (b) this DS
// has an active local member in the convo, (c) a single-row CAS flip of
// sequencer_ds. A successful takeover bumps current_epoch by exactly 1
// to invalidate in-flight commits the old sequencer might still accept,
// then best-effort broadcasts the new sequencer identity.
func (s *Server) RequestFailover(ctx context.Context, convoID string, requestingMemberDID models.DID) error {
	var oldSequencer *string
	err := s.pool.QueryRow(ctx, `SELECT sequencer_ds FROM conversations WHERE id = $1`, convoID).Scan(&oldSequencer)
	if errors.Is(err, pgx.ErrNoRows) {
		return dserr.New(dserr.KindConversationNotFound, "conversation not found locally")
	}
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "loading conversation for failover", err)
	}

	if oldSequencer != nil {
		resolved, err := s.resolver.Resolve(ctx, models.DID(*oldSequencer))
		if err == nil && s.Healthy(ctx, models.DID(*oldSequencer), resolved.Endpoint) {
			return dserr.New(dserr.KindConflictDetected, "current sequencer is healthy; failover denied")
		}
	}

	isActiveMember, err := s.isActiveLocalMember(ctx, convoID, requestingMemberDID)
	if err != nil {
		return err
	}
	if !isActiveMember {
		return dserr.New(dserr.KindForbidden, "this DS has no active member in the conversation")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET sequencer_ds = $2, current_epoch = current_epoch + 1
		 WHERE id = $1 AND (sequencer_ds = $3 OR sequencer_ds IS NULL)`,
		convoID, string(s.selfDID), derefOrEmpty(oldSequencer),
	)
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "executing failover CAS", err)
	}
	if tag.RowsAffected() == 0 {
		return dserr.New(dserr.KindConflictDetected, "failover lost the race to another DS")
	}

	s.broadcastNewSequencer(ctx, convoID)
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *Server) broadcastNewSequencer(ctx context.Context, convoID string) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ds_did FROM members WHERE convo_id = $1 AND ds_did IS NOT NULL AND ds_did != $2 AND left_at IS NULL`, convoID, string(s.selfDID))
	if err != nil {
		s.logger.Error("listing peer DSes for sequencer broadcast failed", slog.String("error", err.Error()))
		return
	}
	defer rows.Close()

	payload, err := json.Marshal(models.SequencerChangedRequest{ConvoID: convoID, NewSequencerDsDID: string(s.selfDID)})
	if err != nil {
		return
	}
	for rows.Next() {
		var dsDID string
		if err := rows.Scan(&dsDID); err != nil {
			continue
		}
		if err := s.queue.Enqueue(ctx, outboundJob(models.DID(dsDID), "sequencerChanged", payload, convoID)); err != nil {
			s.logger.Error("enqueueing sequencer-change broadcast failed", slog.String("peer", dsDID), slog.String("error", err.Error()))
		}
	}
}

// --- shared helpers ---

func (s *Server) convoExists(ctx context.Context, convoID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, convoID).Scan(&exists)
	if err != nil {
		return false, dserr.Wrap(dserr.KindInternal, "checking conversation existence", err)
	}
	return exists, nil
}

func (s *Server) isSequencerFor(ctx context.Context, convoID string) (bool, error) {
	var sequencerDID *string
	err := s.pool.QueryRow(ctx, `SELECT sequencer_ds FROM conversations WHERE id = $1`, convoID).Scan(&sequencerDID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, dserr.New(dserr.KindConversationNotFound, "conversation not found")
	}
	if err != nil {
		return false, dserr.Wrap(dserr.KindInternal, "checking sequencer binding", err)
	}
	return sequencerDID == nil || *sequencerDID == string(s.selfDID), nil
}

func (s *Server) requireSequencerBinding(ctx context.Context, convoID string, callerDID models.DID) error {
	var sequencerDID *string
	err := s.pool.QueryRow(ctx, `SELECT sequencer_ds FROM conversations WHERE id = $1`, convoID).Scan(&sequencerDID)
	if errors.Is(err, pgx.ErrNoRows) {
		return dserr.New(dserr.KindConversationNotFound, "conversation not found")
	}
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "checking sequencer binding", err)
	}
	if sequencerDID == nil || *sequencerDID != string(callerDID.Canonical()) {
		return dserr.New(dserr.KindForbidden, "calling DS is not the sequencer for this conversation")
	}
	return nil
}

func (s *Server) isParticipantDS(ctx context.Context, convoID string, dsDID models.DID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM members WHERE convo_id = $1 AND ds_did = $2 AND left_at IS NULL)`,
		convoID, string(dsDID.Canonical()),
	).Scan(&exists)
	if err != nil {
		return false, dserr.Wrap(dserr.KindInternal, "checking participant DS", err)
	}
	return exists, nil
}

func (s *Server) isMember(ctx context.Context, convoID, memberDID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM members WHERE convo_id = $1 AND member_did = $2 AND left_at IS NULL)`,
		convoID, memberDID,
	).Scan(&exists)
	if err != nil {
		return false, dserr.Wrap(dserr.KindInternal, "checking membership", err)
	}
	return exists, nil
}

func (s *Server) isActiveLocalMember(ctx context.Context, convoID string, memberDID models.DID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM members WHERE convo_id = $1 AND user_did = $2 AND left_at IS NULL AND (ds_did IS NULL OR ds_did = $3))`,
		convoID, string(memberDID.Canonical()), string(s.selfDID),
	).Scan(&exists)
	if err != nil {
		return false, dserr.Wrap(dserr.KindInternal, "checking active local membership", err)
	}
	return exists, nil
}

func (s *Server) currentEpoch(ctx context.Context, convoID string) (uint32, error) {
	var epoch uint32
	err := s.pool.QueryRow(ctx, `SELECT current_epoch FROM conversations WHERE id = $1`, convoID).Scan(&epoch)
	if err != nil {
		return 0, dserr.Wrap(dserr.KindInternal, "loading current epoch", err)
	}
	return epoch, nil
}
