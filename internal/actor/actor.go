// Package actor implements the per-conversation conversation actor and
// its registry: a single-writer serialization of every
// state-mutating operation on a conversation, delivered over a bounded
// inbox and processed strictly in arrival order so read-modify-write
// races within one DS process are impossible.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
	"github.com/catbird-chat/ds/internal/sequencer"
)

// Publisher places envelopes on the fan-out bus for local subscribers
// Implemented by internal/fanout.Bus; declared here so this package
// doesn't import it.
type Publisher interface {
	Publish(ctx context.Context, convoID, eventType string, payload []byte, persist bool) (models.ULID, error)
}

// Replicator enqueues an outbound federation job. Implemented by
// internal/federation.Queue.
type Replicator interface {
	Enqueue(ctx context.Context, job OutboundJobRequest) error
}

// OutboundJobRequest is the information needed to queue one replication
// call to a remote DS.
type OutboundJobRequest struct {
	TargetDsDID models.DID
	Method      string
	Payload     []byte
	ConvoID     string
}

// Registry spawns, tracks, and shuts down conversation actors. Actors
// are spawned lazily on first message for a convo_id; Get looks up and
// spawns under the registry's mutex, so two callers racing for the same
// convo_id receive the same actor and no second copy is ever started.
type Registry struct {
	mu         sync.Mutex
	actors     map[string]*Actor
	pool       *pgxpool.Pool
	sequencer  *sequencer.Sequencer
	bus        Publisher
	replicator Replicator
	logger     *slog.Logger
	inboxSize  int
	selfDID    models.DID
}

func NewRegistry(pool *pgxpool.Pool, seq *sequencer.Sequencer, bus Publisher, replicator Replicator, selfDID models.DID, logger *slog.Logger) *Registry {
	return &Registry{
		actors:     make(map[string]*Actor),
		pool:       pool,
		sequencer:  seq,
		bus:        bus,
		replicator: replicator,
		logger:     logger,
		inboxSize:  256,
		selfDID:    selfDID,
	}
}

// Get returns the actor for convoID, spawning one if none is running.
func (r *Registry) Get(convoID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[convoID]; ok {
		return a
	}
	a := &Actor{
		convoID:    convoID,
		inbox:      make(chan any, r.inboxSize),
		pool:       r.pool,
		sequencer:  r.sequencer,
		bus:        r.bus,
		replicator: r.replicator,
		logger:     r.logger.With(slog.String("convo_id", convoID)),
		selfDID:    r.selfDID,
		done:       make(chan struct{}),
	}
	r.actors[convoID] = a
	go a.run(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// Only remove if this is still the actor registered for
		// convoID; an actor spawned for the same convoID after Shutdown
		// cleared the table must not be evicted by this one's delayed exit.
		if r.actors[convoID] == a {
			delete(r.actors, convoID)
		}
	})
	return a
}

// Shutdown sends Shutdown to every running actor and clears the table.
// Messages already queued ahead of Shutdown still drain; anything sent
// afterward is dropped silently.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	for _, a := range actors {
		select {
		case a.inbox <- shutdownMsg{}:
		default:
		}
	}
}

// GetEpoch is a read-only query; it never needs the actor's write
// serialization, so it goes straight to the database.
func (r *Registry) GetEpoch(ctx context.Context, convoID string) (uint32, error) {
	var epoch uint32
	err := r.pool.QueryRow(ctx, `SELECT current_epoch FROM conversations WHERE id = $1`, convoID).Scan(&epoch)
	if err == pgx.ErrNoRows {
		return 0, dserr.New(dserr.KindConversationNotFound, "conversation "+convoID+" not found")
	}
	if err != nil {
		return 0, dserr.Wrap(dserr.KindInternal, "reading epoch", err)
	}
	return epoch, nil
}

// Actor serializes every state-mutating operation for one conversation.
type Actor struct {
	convoID    string
	inbox      chan any
	pool       *pgxpool.Pool
	sequencer  *sequencer.Sequencer
	bus        Publisher
	replicator Replicator
	logger     *slog.Logger
	selfDID    models.DID
	done       chan struct{}
}

// send enqueues msg, honoring ctx cancellation while the inbox is full
// and rejecting delivery to an actor that has already exited. Once a
// message is accepted onto the inbox it will be processed to completion
// even if the caller's context is later cancelled. The actor does not
// check whether the caller is still waiting: a request whose caller has
// gone is still committed, and its reply lands in the one-slot reply
// channel unread, without being logged.
func (a *Actor) send(ctx context.Context, msg any) error {
	select {
	case a.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return dserr.New(dserr.KindInternal, "conversation actor has shut down")
	}
}

func (a *Actor) run(removeSelf func()) {
	defer close(a.done)
	defer removeSelf()
	for m := range a.inbox {
		switch msg := m.(type) {
		case addMembersMsg:
			a.handleAddMembers(msg)
		case removeMemberMsg:
			a.handleRemoveMember(msg)
		case sendMessageMsg:
			a.handleSendMessage(msg)
		case incrementUnreadMsg:
			a.handleIncrementUnread(msg)
		case resetUnreadMsg:
			a.handleResetUnread(msg)
		case shutdownMsg:
			return
		}
	}
}

type shutdownMsg struct{}

// --- SendMessage ---

type sendMessageMsg struct {
	senderDID      models.DID
	ciphertext     []byte
	msgID          string
	epoch          uint32
	paddedSize     int
	idempotencyKey string
	ephemeral      bool
	reply          chan sendMessageReply
}

// SendMessageResult is what a successful send returns to the caller.
type SendMessageResult struct {
	MessageID models.ULID
	CreatedAt time.Time
}

type sendMessageReply struct {
	result SendMessageResult
	err    error
}

// SendMessage persists one ciphertext: idempotent insert with a
// server-assigned monotonic seq, unread bookkeeping for active members
// besides the sender, and local/remote fan-out. Ephemeral sends
// (ephemeral=true) skip persistence, unread increments, and replication
// entirely.
func (a *Actor) SendMessage(ctx context.Context, senderDID models.DID, ciphertext []byte, msgID string, epoch uint32, paddedSize int, idempotencyKey string, ephemeral bool) (SendMessageResult, error) {
	reply := make(chan sendMessageReply, 1)
	if err := a.send(ctx, sendMessageMsg{
		senderDID: senderDID, ciphertext: ciphertext, msgID: msgID, epoch: epoch,
		paddedSize: paddedSize, idempotencyKey: idempotencyKey, ephemeral: ephemeral, reply: reply,
	}); err != nil {
		return SendMessageResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return SendMessageResult{}, ctx.Err()
	}
}

func (a *Actor) handleSendMessage(msg sendMessageMsg) {
	ctx := context.Background()
	result, err := a.doSendMessage(ctx, msg)
	select {
	case msg.reply <- sendMessageReply{result: result, err: err}:
	default:
		if err == nil {
			a.logger.Info("sendMessage reply discarded after commit (caller cancelled)", slog.String("msg_id", msg.msgID))
		}
	}
}

func (a *Actor) doSendMessage(ctx context.Context, msg sendMessageMsg) (SendMessageResult, error) {
	if len(msg.ciphertext) != msg.paddedSize {
		return SendMessageResult{}, dserr.New(dserr.KindInvalidRequest, "ciphertext length does not match declared paddedSize")
	}
	if len(msg.ciphertext) > models.MaxCiphertextSize {
		return SendMessageResult{}, dserr.New(dserr.KindInvalidRequest, "ciphertext exceeds maximum padded size")
	}

	if msg.ephemeral {
		if err := a.publishLocal(ctx, "TypingOrPresence", msg.ciphertext, false); err != nil {
			return SendMessageResult{}, err
		}
		return SendMessageResult{MessageID: models.MustParseULID(msg.msgID), CreatedAt: time.Now()}, nil
	}

	// Step 1: idempotency on (convo_id, id).
	var existingCreatedAt time.Time
	err := a.pool.QueryRow(ctx,
		`SELECT created_at FROM messages WHERE convo_id = $1 AND id = $2`,
		a.convoID, msg.msgID,
	).Scan(&existingCreatedAt)
	if err == nil {
		return SendMessageResult{MessageID: models.MustParseULID(msg.msgID), CreatedAt: existingCreatedAt}, nil
	}
	if err != pgx.ErrNoRows {
		return SendMessageResult{}, dserr.Wrap(dserr.KindInternal, "checking message idempotency", err)
	}

	// Step 2: insert with server-assigned seq, retrying on a lost race
	// against the unique (convo_id, seq) index.
	var createdAt time.Time
	var seq int64
	for attempt := 0; attempt < 5; attempt++ {
		err = a.pool.QueryRow(ctx,
			`INSERT INTO messages (id, convo_id, message_type, epoch, seq, ciphertext, padded_size)
			 SELECT $1, $2, 'app', $3, COALESCE((SELECT MAX(seq) FROM messages WHERE convo_id = $2), 0) + 1, $4, $5
			 RETURNING seq, created_at`,
			msg.msgID, a.convoID, msg.epoch, msg.ciphertext, msg.paddedSize,
		).Scan(&seq, &createdAt)
		if err == nil {
			break
		}
		if isUniqueViolation(err) {
			continue
		}
		return SendMessageResult{}, dserr.Wrap(dserr.KindInternal, "inserting message", err)
	}
	if err != nil {
		return SendMessageResult{}, dserr.Wrap(dserr.KindInternal, "inserting message after retries exhausted", err)
	}

	// Step 3: schedule unread increments for active members besides sender.
	if _, err := a.pool.Exec(ctx,
		`UPDATE members SET unread_count = unread_count + 1
		 WHERE convo_id = $1 AND member_did <> $2 AND left_at IS NULL`,
		a.convoID, string(msg.senderDID),
	); err != nil {
		a.logger.Error("incrementing unread counts failed", slog.String("error", err.Error()))
	}

	// Step 4: local fan-out and remote replication.
	if err := a.publishLocal(ctx, "MessageEvent", msg.ciphertext, true); err != nil {
		a.logger.Error("publishing message event failed", slog.String("error", err.Error()))
	}
	a.replicateMessage(ctx, models.DeliverMessageRequest{
		ConvoID:     a.convoID,
		MsgID:       msg.msgID,
		Epoch:       msg.epoch,
		Seq:         seq,
		Ciphertext:  msg.ciphertext,
		PaddedSize:  msg.paddedSize,
		MessageType: string(models.MessageTypeApp),
		SenderDsDID: string(a.selfDID),
	})

	return SendMessageResult{MessageID: models.MustParseULID(msg.msgID), CreatedAt: createdAt}, nil
}

func (a *Actor) publishLocal(ctx context.Context, eventType string, payload []byte, persist bool) error {
	if a.bus == nil {
		return nil
	}
	_, err := a.bus.Publish(ctx, a.convoID, eventType, payload, persist)
	return err
}

// replicateMessage fans one persisted message (application or commit)
// out to every remote member DS as a deliverMessage body. Peers record
// the message and broadcast to their own locals; commits travel this
// way too, since submitCommit is reserved for the sequencer.
func (a *Actor) replicateMessage(ctx context.Context, req models.DeliverMessageRequest) {
	payload, err := json.Marshal(req)
	if err != nil {
		a.logger.Error("encoding deliverMessage replication body failed", slog.String("error", err.Error()))
		return
	}
	a.replicateToRemoteMembers(ctx, "deliverMessage", payload)
}

func (a *Actor) replicateToRemoteMembers(ctx context.Context, method string, payload []byte) {
	if a.replicator == nil {
		return
	}
	rows, err := a.pool.Query(ctx,
		`SELECT DISTINCT ds_did FROM members WHERE convo_id = $1 AND left_at IS NULL AND ds_did IS NOT NULL AND ds_did <> ''`,
		a.convoID,
	)
	if err != nil {
		a.logger.Error("listing remote member DSes failed", slog.String("error", err.Error()))
		return
	}
	defer rows.Close()

	var targets []models.DID
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			continue
		}
		targets = append(targets, models.DID(did))
	}

	for _, target := range targets {
		if err := a.replicator.Enqueue(ctx, OutboundJobRequest{
			TargetDsDID: target, Method: method, Payload: payload, ConvoID: a.convoID,
		}); err != nil {
			a.logger.Error("enqueuing outbound replication failed",
				slog.String("target_ds_did", string(target)), slog.String("error", err.Error()))
		}
	}
}

// --- AddMembers ---

type addMembersMsg struct {
	dids             []models.DID
	commit           []byte
	welcomes         map[models.DID][]byte
	keyPackageHashes map[models.DID]string
	reply            chan addMembersReply
}

type AddMembersResult struct {
	NewEpoch uint32
}

type addMembersReply struct {
	result AddMembersResult
	err    error
}

// AddMembers grows the roster: CAS the epoch (if a commit was
// supplied), insert member rows, persist the commit
// message and one welcome row per recipient, then replicate.
func (a *Actor) AddMembers(ctx context.Context, dids []models.DID, commit []byte, welcomes map[models.DID][]byte, keyPackageHashes map[models.DID]string) (AddMembersResult, error) {
	reply := make(chan addMembersReply, 1)
	if err := a.send(ctx, addMembersMsg{dids: dids, commit: commit, welcomes: welcomes, keyPackageHashes: keyPackageHashes, reply: reply}); err != nil {
		return AddMembersResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return AddMembersResult{}, ctx.Err()
	}
}

func (a *Actor) handleAddMembers(msg addMembersMsg) {
	ctx := context.Background()
	result, err := a.doAddMembers(ctx, msg)
	select {
	case msg.reply <- addMembersReply{result: result, err: err}:
	default:
	}
}

func (a *Actor) doAddMembers(ctx context.Context, msg addMembersMsg) (AddMembersResult, error) {
	var currentEpoch uint32
	if err := a.pool.QueryRow(ctx, `SELECT current_epoch FROM conversations WHERE id = $1`, a.convoID).Scan(&currentEpoch); err != nil {
		if err == pgx.ErrNoRows {
			return AddMembersResult{}, dserr.New(dserr.KindConversationNotFound, "conversation "+a.convoID+" not found")
		}
		return AddMembersResult{}, dserr.Wrap(dserr.KindInternal, "reading current epoch", err)
	}

	newEpoch := currentEpoch
	var commitMsgID string
	var commitSeq int64
	if len(msg.commit) > 0 {
		result, err := a.sequencer.SubmitCommit(ctx, a.convoID, currentEpoch, currentEpoch+1, msg.commit)
		if err != nil {
			return AddMembersResult{}, err // ConflictDetected: no further writes.
		}
		newEpoch = result.CurrentEpoch

		commitMsgID = models.NewULID().String()
		if err := a.pool.QueryRow(ctx,
			`INSERT INTO messages (id, convo_id, message_type, epoch, seq, ciphertext, padded_size)
			 SELECT $1, $2, 'commit', $3, COALESCE((SELECT MAX(seq) FROM messages WHERE convo_id = $2), 0) + 1, $4, $5
			 RETURNING seq`,
			commitMsgID, a.convoID, newEpoch, msg.commit, len(msg.commit),
		).Scan(&commitSeq); err != nil {
			return AddMembersResult{}, dserr.Wrap(dserr.KindInternal, "persisting commit message", err)
		}
	}

	for _, did := range msg.dids {
		canon := did.Canonical()
		if _, err := a.pool.Exec(ctx,
			`INSERT INTO members (convo_id, member_did, user_did, device_id)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (convo_id, member_did) DO NOTHING`,
			a.convoID, string(did), string(canon), did.DeviceID(),
		); err != nil {
			return AddMembersResult{}, dserr.Wrap(dserr.KindInternal, "inserting member", err)
		}

		if welcome, ok := msg.welcomes[did]; ok {
			hash := msg.keyPackageHashes[did]
			if _, err := a.pool.Exec(ctx,
				`INSERT INTO welcome_messages (id, convo_id, recipient_did, welcome_data, key_package_hash, state)
				 VALUES ($1, $2, $3, $4, $5, 'new')`,
				models.NewULID().String(), a.convoID, string(did), welcome, hash,
			); err != nil {
				return AddMembersResult{}, dserr.Wrap(dserr.KindInternal, "persisting welcome message", err)
			}
			a.forwardWelcome(ctx, did, welcome, hash, newEpoch)
		}
	}

	if len(msg.commit) > 0 {
		a.replicateMessage(ctx, models.DeliverMessageRequest{
			ConvoID:     a.convoID,
			MsgID:       commitMsgID,
			Epoch:       newEpoch,
			Seq:         commitSeq,
			Ciphertext:  msg.commit,
			PaddedSize:  len(msg.commit),
			MessageType: string(models.MessageTypeCommit),
			SenderDsDID: string(a.selfDID),
		})
	}

	return AddMembersResult{NewEpoch: newEpoch}, nil
}

// forwardWelcome enqueues one deliverWelcome job addressed to the
// recipient; the queue resolves the recipient's home DS and drops the
// job when that DS is this instance.
func (a *Actor) forwardWelcome(ctx context.Context, recipient models.DID, welcome []byte, keyPackageHash string, epoch uint32) {
	if a.replicator == nil {
		return
	}
	payload, err := json.Marshal(models.DeliverWelcomeRequest{
		ConvoID:        a.convoID,
		RecipientDID:   string(recipient),
		WelcomeData:    welcome,
		KeyPackageHash: keyPackageHash,
		SenderDsDID:    string(a.selfDID),
		InitialEpoch:   epoch,
	})
	if err != nil {
		a.logger.Error("encoding deliverWelcome replication body failed", slog.String("error", err.Error()))
		return
	}
	if err := a.replicator.Enqueue(ctx, OutboundJobRequest{
		TargetDsDID: recipient.Canonical(), Method: "deliverWelcome", Payload: payload, ConvoID: a.convoID,
	}); err != nil {
		a.logger.Error("enqueuing welcome replication failed", slog.String("error", err.Error()))
	}
}

// --- RemoveMember ---

type removeMemberMsg struct {
	memberDID models.DID
	commit    []byte
	reply     chan removeMemberReply
}

type RemoveMemberResult struct {
	NewEpoch uint32
}

type removeMemberReply struct {
	result RemoveMemberResult
	err    error
}

// RemoveMember mirrors AddMembers but soft-deletes the member row and
// issues no welcomes.
func (a *Actor) RemoveMember(ctx context.Context, memberDID models.DID, commit []byte) (RemoveMemberResult, error) {
	reply := make(chan removeMemberReply, 1)
	if err := a.send(ctx, removeMemberMsg{memberDID: memberDID, commit: commit, reply: reply}); err != nil {
		return RemoveMemberResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return RemoveMemberResult{}, ctx.Err()
	}
}

func (a *Actor) handleRemoveMember(msg removeMemberMsg) {
	ctx := context.Background()
	result, err := a.doRemoveMember(ctx, msg)
	select {
	case msg.reply <- removeMemberReply{result: result, err: err}:
	default:
	}
}

func (a *Actor) doRemoveMember(ctx context.Context, msg removeMemberMsg) (RemoveMemberResult, error) {
	var currentEpoch uint32
	if err := a.pool.QueryRow(ctx, `SELECT current_epoch FROM conversations WHERE id = $1`, a.convoID).Scan(&currentEpoch); err != nil {
		if err == pgx.ErrNoRows {
			return RemoveMemberResult{}, dserr.New(dserr.KindConversationNotFound, "conversation "+a.convoID+" not found")
		}
		return RemoveMemberResult{}, dserr.Wrap(dserr.KindInternal, "reading current epoch", err)
	}

	newEpoch := currentEpoch
	var commitMsgID string
	var commitSeq int64
	if len(msg.commit) > 0 {
		result, err := a.sequencer.SubmitCommit(ctx, a.convoID, currentEpoch, currentEpoch+1, msg.commit)
		if err != nil {
			return RemoveMemberResult{}, err
		}
		newEpoch = result.CurrentEpoch

		commitMsgID = models.NewULID().String()
		if err := a.pool.QueryRow(ctx,
			`INSERT INTO messages (id, convo_id, message_type, epoch, seq, ciphertext, padded_size)
			 SELECT $1, $2, 'commit', $3, COALESCE((SELECT MAX(seq) FROM messages WHERE convo_id = $2), 0) + 1, $4, $5
			 RETURNING seq`,
			commitMsgID, a.convoID, newEpoch, msg.commit, len(msg.commit),
		).Scan(&commitSeq); err != nil {
			return RemoveMemberResult{}, dserr.Wrap(dserr.KindInternal, "persisting commit message", err)
		}
	}

	if _, err := a.pool.Exec(ctx,
		`UPDATE members SET left_at = now() WHERE convo_id = $1 AND member_did = $2 AND left_at IS NULL`,
		a.convoID, string(msg.memberDID),
	); err != nil {
		return RemoveMemberResult{}, dserr.Wrap(dserr.KindInternal, "soft-deleting member", err)
	}

	if len(msg.commit) > 0 {
		a.replicateMessage(ctx, models.DeliverMessageRequest{
			ConvoID:     a.convoID,
			MsgID:       commitMsgID,
			Epoch:       newEpoch,
			Seq:         commitSeq,
			Ciphertext:  msg.commit,
			PaddedSize:  len(msg.commit),
			MessageType: string(models.MessageTypeCommit),
			SenderDsDID: string(a.selfDID),
		})
	}

	return RemoveMemberResult{NewEpoch: newEpoch}, nil
}

// --- IncrementUnread / ResetUnread ---

type incrementUnreadMsg struct {
	senderDID models.DID
}

// IncrementUnread is fire-and-forget: it enqueues onto the inbox but
// does not wait for processing.
func (a *Actor) IncrementUnread(senderDID models.DID) {
	select {
	case a.inbox <- incrementUnreadMsg{senderDID: senderDID}:
	default:
		a.logger.Warn("dropping IncrementUnread: inbox full", slog.String("sender_did", string(senderDID)))
	}
}

func (a *Actor) handleIncrementUnread(msg incrementUnreadMsg) {
	ctx := context.Background()
	if _, err := a.pool.Exec(ctx,
		`UPDATE members SET unread_count = unread_count + 1
		 WHERE convo_id = $1 AND member_did <> $2 AND left_at IS NULL`,
		a.convoID, string(msg.senderDID),
	); err != nil {
		a.logger.Error("IncrementUnread failed", slog.String("error", err.Error()))
	}
}

type resetUnreadMsg struct {
	memberDID models.DID
	reply     chan struct{}
}

// ResetUnread zeroes the caller's unread count and stamps last_read_at.
func (a *Actor) ResetUnread(ctx context.Context, memberDID models.DID) error {
	reply := make(chan struct{}, 1)
	if err := a.send(ctx, resetUnreadMsg{memberDID: memberDID, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) handleResetUnread(msg resetUnreadMsg) {
	ctx := context.Background()
	if _, err := a.pool.Exec(ctx,
		`UPDATE members SET unread_count = 0, last_read_at = now() WHERE convo_id = $1 AND member_did = $2`,
		a.convoID, string(msg.memberDID),
	); err != nil {
		a.logger.Error("ResetUnread failed", slog.String("error", err.Error()))
	}
	select {
	case msg.reply <- struct{}{}:
	default:
	}
}

// isUniqueViolation reports whether err is a Postgres unique-violation
// (SQLSTATE 23505), the signal that a concurrent insert won the
// (convo_id, seq) race and this attempt must recompute seq and retry.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
