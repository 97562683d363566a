package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

// liveSubjectPrefix namespaces the NATS subjects used to tail envelopes
// live across a fleet of Catbird processes; the durable record of
// record is always the event_stream table.
const liveSubjectPrefix = "catbird.fanout."

func liveSubject(convoID string) string {
	return liveSubjectPrefix + convoID
}

// Bus places envelopes on the fan-out bus and serves resumable
// subscriptions. Envelope writes are durable (event_stream
// table) except for ephemeral traffic, which is published live-only.
type Bus struct {
	pool   *pgxpool.Pool
	nc     *nats.Conn
	cursor *CursorGenerator
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, nc *nats.Conn, logger *slog.Logger) *Bus {
	return &Bus{pool: pool, nc: nc, cursor: NewCursorGenerator(), logger: logger}
}

// liveEnvelope is what travels over the NATS live-tail subject; it
// carries the same shape as an event_stream row whether or not that row
// was actually persisted.
type liveEnvelope struct {
	Cursor    string    `json:"cursor"`
	ConvoID   string    `json:"convo_id"`
	EventType string    `json:"event_type"`
	Payload   []byte    `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
	Ephemeral bool      `json:"ephemeral"`
}

// Publish places one envelope of eventType on convoID's stream. When
// persist is true the envelope is durably written to event_stream
// (application messages, reactions, read receipts); when false
// (ephemeral traffic: typing, presence) it is only broadcast live,
// generating no envelope for push, no unread increment, and no
// replication. Either way the payload is carried exactly as given, so
// its (padded) length is the same on both paths; the live envelope
// itself does carry the event type and an ephemeral flag.
func (b *Bus) Publish(ctx context.Context, convoID, eventType string, payload []byte, persist bool) (models.ULID, error) {
	cursor := b.cursor.Next(convoID, eventType)

	if persist {
		if _, err := b.pool.Exec(ctx,
			`INSERT INTO event_stream (cursor, convo_id, event_type, payload) VALUES ($1, $2, $3, $4)`,
			cursor.String(), convoID, eventType, payload,
		); err != nil {
			return models.ULID{}, dserr.Wrap(dserr.KindInternal, "persisting event_stream envelope", err)
		}
	}

	env := liveEnvelope{
		Cursor: cursor.String(), ConvoID: convoID, EventType: eventType,
		Payload: payload, EmittedAt: time.Now().UTC(), Ephemeral: !persist,
	}
	if b.nc != nil {
		data, err := json.Marshal(env)
		if err != nil {
			return cursor, dserr.Wrap(dserr.KindInternal, "marshaling live envelope", err)
		}
		if err := b.nc.Publish(liveSubject(convoID), data); err != nil {
			b.logger.Error("publishing live envelope failed", slog.String("convo_id", convoID), slog.String("error", err.Error()))
		}
	}

	return cursor, nil
}

// Envelope is a delivered item on a subscription's replay-then-tail
// stream.
type Envelope struct {
	Cursor    models.ULID
	ConvoID   string
	EventType string
	Payload   []byte
	EmittedAt time.Time
	Ephemeral bool
}

// Subscribe replays every stored envelope for convoID strictly greater
// than resumeCursor, then tails live envelopes until ctx is cancelled.
// The returned channel is closed when the subscription ends; callers
// must drain it to avoid leaking the underlying NATS subscription.
// Disconnecting (cancelling ctx) releases resources within one poll.
func (b *Bus) Subscribe(ctx context.Context, convoID string, resumeCursor string) (<-chan Envelope, error) {
	if resumeCursor != "" && !ValidateCursor(resumeCursor) {
		return nil, dserr.New(dserr.KindInvalidRequest, "resume cursor is not a well-formed ULID")
	}

	sink := newSubSink(64)

	var sub *nats.Subscription
	if b.nc != nil {
		var err error
		sub, err = b.nc.Subscribe(liveSubject(convoID), func(msg *nats.Msg) {
			var env liveEnvelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				return
			}
			cursor, err := models.ParseULID(env.Cursor)
			if err != nil {
				return
			}
			if !sink.trySend(Envelope{Cursor: cursor, ConvoID: env.ConvoID, EventType: env.EventType, Payload: env.Payload, EmittedAt: env.EmittedAt, Ephemeral: env.Ephemeral}) {
				// Bounded buffer: drop the slowest subscriber's backlog
				// rather than block the publisher.
				b.logger.Warn("dropping envelope for slow subscriber", slog.String("convo_id", convoID))
			}
		})
		if err != nil {
			sink.close()
			return nil, dserr.Wrap(dserr.KindInternal, "subscribing to live fan-out subject", err)
		}
	}

	if err := b.replay(ctx, convoID, resumeCursor, sink); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		sink.close()
		return nil, err
	}

	go func() {
		<-ctx.Done()
		if sub != nil {
			sub.Unsubscribe()
		}
		sink.close()
	}()

	return sink.ch, nil
}

// subSink guards the subscription channel so a live NATS callback racing
// the subscription's shutdown can never write to a closed channel.
type subSink struct {
	mu     sync.Mutex
	closed bool
	ch     chan Envelope
}

func newSubSink(buffer int) *subSink {
	return &subSink{ch: make(chan Envelope, buffer)}
}

func (s *subSink) trySend(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

func (s *subSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *Bus) replay(ctx context.Context, convoID, resumeCursor string, sink *subSink) error {
	rows, err := b.pool.Query(ctx,
		`SELECT cursor, event_type, payload, emitted_at FROM event_stream
		 WHERE convo_id = $1 AND cursor > $2
		 ORDER BY cursor ASC`,
		convoID, resumeCursor,
	)
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "replaying event_stream", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cursorStr, eventType string
		var payload []byte
		var emittedAt time.Time
		if err := rows.Scan(&cursorStr, &eventType, &payload, &emittedAt); err != nil {
			return dserr.Wrap(dserr.KindInternal, "scanning event_stream row", err)
		}
		cursor, err := models.ParseULID(cursorStr)
		if err != nil {
			continue
		}
		select {
		case sink.ch <- Envelope{Cursor: cursor, ConvoID: convoID, EventType: eventType, Payload: payload, EmittedAt: emittedAt}:
		case <-ctx.Done():
			return nil
		}
	}
	return rows.Err()
}

// UpdateCursor persists userDID's read position on convoID, used by
// the gateway for WS client acks.
func (b *Bus) UpdateCursor(ctx context.Context, userDID models.DID, convoID string, cursor models.ULID) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO cursors (user_did, convo_id, last_seen_cursor, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_did, convo_id) DO UPDATE SET last_seen_cursor = $3, updated_at = now()`,
		string(userDID.Canonical()), convoID, cursor.String(),
	)
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "updating read cursor", err)
	}
	return nil
}

// GroupInfoRefreshRequested broadcasts that a requesting member's
// group-info blob is stale or absent, so whichever active client
// publishes a fresh one first wins.
func (b *Bus) GroupInfoRefreshRequested(ctx context.Context, convoID string, requestingMemberDID models.DID) error {
	payload, err := json.Marshal(map[string]string{"requesting_member_did": string(requestingMemberDID)})
	if err != nil {
		return fmt.Errorf("marshaling group-info refresh request: %w", err)
	}
	_, err = b.Publish(ctx, convoID, "GroupInfoRefreshRequested", payload, false)
	return err
}
