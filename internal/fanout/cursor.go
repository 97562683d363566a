// Package fanout implements envelope placement, monotonic cursor
// generation, the resumable subscription bus, and retention
// compaction. Persistent envelopes are durable rows in event_stream;
// live delivery tails a NATS subject per conversation so subscribers on
// any process in the fleet observe new envelopes without polling.
package fanout

import (
	"sync"
	"time"

	"github.com/catbird-chat/ds/internal/models"
)

// streamKey identifies one cursor sequence: monotonicity is guaranteed
// per (convo_id, event_type), not globally.
type streamKey struct {
	convoID   string
	eventType string
}

// CursorGenerator guarantees strictly monotonic 26-char ULID cursors per
// (convo_id, event_type):
//
//   - If now's millisecond timestamp exceeds the last cursor's, mint a
//     fresh ULID at that timestamp.
//   - Otherwise increment the last cursor's randomness component within
//     the same millisecond; on overflow, busy-wait one millisecond and
//     retry.
//
// This lets a consumer always resume from last_seen_cursor without any
// deduplication logic.
type CursorGenerator struct {
	mu   sync.Mutex
	last map[streamKey]models.ULID
}

func NewCursorGenerator() *CursorGenerator {
	return &CursorGenerator{last: make(map[streamKey]models.ULID)}
}

// Next returns the next cursor for (convoID, eventType).
func (g *CursorGenerator) Next(convoID, eventType string) models.ULID {
	key := streamKey{convoID: convoID, eventType: eventType}

	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		last, ok := g.last[key]
		now := models.NewULIDWithTime(time.Now())
		if !ok || now.Time().UnixMilli() > last.Time().UnixMilli() {
			g.last[key] = now
			return now
		}

		next, ok := last.Increment()
		if ok {
			g.last[key] = next
			return next
		}

		// Randomness component exhausted within this millisecond: wait
		// for the clock to tick over and mint a fresh ULID there.
		g.mu.Unlock()
		time.Sleep(time.Millisecond)
		g.mu.Lock()
	}
}

// ValidateCursor reports whether s is syntactically a well-formed 26-char
// Crockford-Base32 ULID, as required of any client-supplied resume
// cursor.
func ValidateCursor(s string) bool {
	return models.ValidateCursorString(s)
}
