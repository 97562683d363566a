package fanout

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Retention holds the configurable windows for the daily compaction
// pass.
type Retention struct {
	EphemeralWindow time.Duration // typing/presence events; default 24h
	MessageWindow   time.Duration // messages and reaction events; default 14 days
}

// CursorWindow is cursor-row retention, fixed at 2x the message window
// so a client resuming from an old cursor can still be told it has
// expired rather than silently missing history.
func (r Retention) CursorWindow() time.Duration { return 2 * r.MessageWindow }

// Compactor runs Retention's deletes on an interval.
type Compactor struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	retention Retention
}

func NewCompactor(pool *pgxpool.Pool, logger *slog.Logger, retention Retention) *Compactor {
	return &Compactor{pool: pool, logger: logger, retention: retention}
}

// Run executes one compaction pass, deleting typing/presence events
// older than EphemeralWindow, message/reaction events older than
// MessageWindow, and cursor rows older than CursorWindow(). A failure
// deleting one category does not stop the others.
func (c *Compactor) Run(ctx context.Context) {
	c.deleteEphemeralEvents(ctx)
	c.deletePersistentEvents(ctx)
	c.deleteStaleCursors(ctx)
}

func (c *Compactor) deleteEphemeralEvents(ctx context.Context) {
	cutoff := time.Now().Add(-c.retention.EphemeralWindow)
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM event_stream WHERE event_type IN ('Typing', 'Presence', 'TypingOrPresence') AND emitted_at < $1`,
		cutoff,
	)
	if err != nil {
		c.logger.Error("deleting ephemeral events failed", slog.String("error", err.Error()))
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		c.logger.Info("compacted ephemeral events", slog.Int64("deleted", n))
	}
}

func (c *Compactor) deletePersistentEvents(ctx context.Context) {
	cutoff := time.Now().Add(-c.retention.MessageWindow)
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM event_stream WHERE event_type IN ('MessageEvent', 'ReactionEvent') AND emitted_at < $1`,
		cutoff,
	)
	if err != nil {
		c.logger.Error("deleting persistent events failed", slog.String("error", err.Error()))
	} else if n := tag.RowsAffected(); n > 0 {
		c.logger.Info("compacted message/reaction events", slog.Int64("deleted", n))
	}

	msgTag, err := c.pool.Exec(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		c.logger.Error("deleting expired messages failed", slog.String("error", err.Error()))
	} else if n := msgTag.RowsAffected(); n > 0 {
		c.logger.Info("compacted expired messages", slog.Int64("deleted", n))
	}
}

func (c *Compactor) deleteStaleCursors(ctx context.Context) {
	cutoff := time.Now().Add(-c.retention.CursorWindow())
	tag, err := c.pool.Exec(ctx, `DELETE FROM cursors WHERE updated_at < $1`, cutoff)
	if err != nil {
		c.logger.Error("deleting stale cursors failed", slog.String("error", err.Error()))
	} else if n := tag.RowsAffected(); n > 0 {
		c.logger.Info("compacted stale cursors", slog.Int64("deleted", n))
	}
}

// StartDaily runs Run once per interval (default 24h) until ctx is
// cancelled, and once immediately on start so a freshly deployed
// instance doesn't wait a full day for its first pass.
func (c *Compactor) StartDaily(ctx context.Context, interval time.Duration) {
	c.Run(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Run(ctx)
		case <-ctx.Done():
			return
		}
	}
}
