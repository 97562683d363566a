// Package welcome manages the lifecycle of stored welcome messages: a
// recipient fetches one (new -> in_flight), then either confirms it
// (in_flight -> consumed) or invalidates it with a reason
// (in_flight -> failed). Invalidation after consumption is idempotent
// and reports invalidated=false.
package welcome

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

// Store reads and transitions welcome_messages rows.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Put persists one welcome row in state new for recipientDID.
func (s *Store) Put(ctx context.Context, convoID string, recipientDID models.DID, welcomeData []byte, keyPackageHash string) (string, error) {
	id := models.NewULID().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO welcome_messages (id, convo_id, recipient_did, welcome_data, key_package_hash, state)
		 VALUES ($1, $2, $3, $4, $5, 'new')`,
		id, convoID, string(recipientDID), welcomeData, keyPackageHash,
	)
	if err != nil {
		return "", dserr.Wrap(dserr.KindInternal, "storing welcome message", err)
	}
	return id, nil
}

// Fetched is the welcome handed to a recipient by FetchOne.
type Fetched struct {
	ID             string    `json:"id"`
	ConvoID        string    `json:"convo_id"`
	WelcomeData    []byte    `json:"welcome_data"`
	KeyPackageHash string    `json:"key_package_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// FetchOne hands the oldest pending welcome for (convoID, recipientDID)
// to the caller, transitioning it new -> in_flight so a concurrent fetch
// from another device of the same user cannot double-claim it. Returns
// RecipientNotFound when no welcome is pending.
func (s *Store) FetchOne(ctx context.Context, convoID string, recipientDID models.DID) (*Fetched, error) {
	var f Fetched
	err := s.pool.QueryRow(ctx,
		`UPDATE welcome_messages SET state = 'in_flight'
		 WHERE id = (
			SELECT id FROM welcome_messages
			WHERE convo_id = $1 AND recipient_did = $2 AND state IN ('new', 'in_flight')
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, convo_id, welcome_data, key_package_hash, created_at`,
		convoID, string(recipientDID),
	).Scan(&f.ID, &f.ConvoID, &f.WelcomeData, &f.KeyPackageHash, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dserr.New(dserr.KindRecipientNotFound, "no pending welcome for this recipient")
	}
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "fetching welcome message", err)
	}
	return &f, nil
}

// Confirm marks the recipient's in-flight welcome consumed. Confirming a
// welcome that is already consumed succeeds without a second transition.
func (s *Store) Confirm(ctx context.Context, convoID string, recipientDID models.DID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE welcome_messages SET state = 'consumed', consumed_at = now()
		 WHERE convo_id = $1 AND recipient_did = $2 AND state IN ('new', 'in_flight')`,
		convoID, string(recipientDID),
	)
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "confirming welcome message", err)
	}
	return nil
}

// Invalidate records that the recipient found the welcome unprocessable,
// distinguishing a cryptographic rejection from a delivery failure.
// Returns invalidated=false when the welcome was already consumed, so a
// late or duplicate invalidation is a no-op success rather than an error.
func (s *Store) Invalidate(ctx context.Context, convoID string, recipientDID models.DID, reason string) (invalidated bool, err error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE welcome_messages SET state = 'failed', error_reason = $3
		 WHERE convo_id = $1 AND recipient_did = $2 AND state IN ('new', 'in_flight')`,
		convoID, string(recipientDID), reason,
	)
	if err != nil {
		return false, dserr.Wrap(dserr.KindInternal, "invalidating welcome message", err)
	}
	if tag.RowsAffected() > 0 {
		s.logger.Info("welcome invalidated by recipient",
			slog.String("convo_id", convoID),
			slog.String("recipient_did", string(recipientDID)),
			slog.String("reason", reason))
		return true, nil
	}
	return false, nil
}
