// Package push delivers new-message notifications to registered devices
// through a pluggable backend. The DS never sees plaintext, so a push
// carries only the conversation id and an opaque wake-up hint; the
// client fetches and decrypts on its own.
package push

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-chat/ds/internal/models"
)

// Notification is the content-free wake-up sent to a device.
type Notification struct {
	ConvoID string
	// Collapse groups multiple pushes for the same conversation so a
	// burst of messages wakes the device once.
	Collapse string
}

// Backend sends one notification to one device token. Implementations
// wrap APNs, FCM, or an in-process fake for tests.
type Backend interface {
	Send(ctx context.Context, platform, token string, n Notification) error
}

// NoopBackend discards every notification. Used when no push transport
// is configured.
type NoopBackend struct{}

func (NoopBackend) Send(context.Context, string, string, Notification) error { return nil }

// Dispatcher fans a conversation event out to the push tokens of every
// active local member's registered devices, excluding the sender.
type Dispatcher struct {
	pool    *pgxpool.Pool
	backend Backend
	logger  *slog.Logger
}

func NewDispatcher(pool *pgxpool.Pool, backend Backend, logger *slog.Logger) *Dispatcher {
	if backend == nil {
		backend = NoopBackend{}
	}
	return &Dispatcher{pool: pool, backend: backend, logger: logger}
}

// NotifyConvo pushes a wake-up for convoID to every active local member
// except senderDID. Push failures are logged, never surfaced: a failed
// push must not fail the write that triggered it.
func (d *Dispatcher) NotifyConvo(ctx context.Context, convoID string, senderDID models.DID) {
	rows, err := d.pool.Query(ctx,
		`SELECT dv.platform, dv.push_token
		 FROM members m
		 JOIN devices dv ON dv.owner_did = m.user_did
		 WHERE m.convo_id = $1 AND m.left_at IS NULL
		   AND m.member_did <> $2
		   AND (m.ds_did IS NULL OR m.ds_did = '')
		   AND dv.push_token IS NOT NULL AND dv.push_token <> ''`,
		convoID, string(senderDID),
	)
	if err != nil {
		d.logger.Error("listing push targets failed", slog.String("convo_id", convoID), slog.String("error", err.Error()))
		return
	}
	defer rows.Close()

	n := Notification{ConvoID: convoID, Collapse: convoID}
	for rows.Next() {
		var platform, token *string
		if err := rows.Scan(&platform, &token); err != nil {
			continue
		}
		if token == nil || *token == "" {
			continue
		}
		p := ""
		if platform != nil {
			p = *platform
		}
		if err := d.backend.Send(ctx, p, *token, n); err != nil {
			d.logger.Warn("push send failed", slog.String("convo_id", convoID), slog.String("error", err.Error()))
		}
	}
}
