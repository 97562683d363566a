// Package keypackage implements the key-package ledger: per-identity
// publication of one-time pre-keys, atomic consume-one semantics
// under concurrent demand, soft reservation during welcome validation, and
// device-scoped orphan reconciliation.
package keypackage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

// Ledger is the key-package ledger backed by Postgres. All row claiming is
// expressed as a conditional UPDATE over a SKIP LOCKED subquery so
// concurrent callers never observe the same available row.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Ledger {
	return &Ledger{pool: pool, logger: logger}
}

// Publish stores one key package for (ownerDID, deviceID, cipherSuite),
// deduping on payload hash. Returns the hash and whether it was newly
// inserted (false means this exact package was already on file).
func (l *Ledger) Publish(ctx context.Context, ownerDID models.DID, deviceID, cipherSuite string, payload []byte, expiresAt time.Time) (hash string, inserted bool, err error) {
	sum := sha256.Sum256(payload)
	hash = hex.EncodeToString(sum[:])

	tag, err := l.pool.Exec(ctx,
		`INSERT INTO key_packages (id, owner_did, device_id, cipher_suite, key_package, key_package_hash, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (owner_did, device_id, key_package_hash) DO NOTHING`,
		models.NewULID().String(), string(ownerDID.Canonical()), deviceID, cipherSuite, payload, hash, expiresAt,
	)
	if err != nil {
		return "", false, dserr.Wrap(dserr.KindInternal, "publishing key package", err)
	}
	return hash, tag.RowsAffected() == 1, nil
}

// Consumed is the payload and metadata returned by a successful ConsumeOne.
type Consumed struct {
	ID             string
	KeyPackage     []byte
	KeyPackageHash string
	DeviceID       string
}

// availabilityExpr is the boolean expression shared by ConsumeOne,
// Reserve, and Stats: a package is available iff unconsumed, unexpired,
// and either never reserved or its reservation has lapsed.
const availabilityExpr = `
	consumed_at IS NULL
	AND expires_at > now()
	AND (reserved_at IS NULL OR reserved_at < now() - interval '5 minutes')`

// availabilityPredicate is availabilityExpr as a WHERE-clause suffix
// (leading AND) for appending after another WHERE condition.
var availabilityPredicate = `
	AND ` + availabilityExpr[1:]

// ConsumeOne selects the oldest available key package for ownerDID
// (optionally constrained to cipherSuite and/or deviceID), atomically
// marks it consumed for convoID, and returns its payload and hash.
// Returns dserr.KindNoKeyPackagesAvailable if none match.
//
// The claim is a single UPDATE ... WHERE id = (SELECT ... FOR UPDATE SKIP
// LOCKED) RETURNING statement: exactly one concurrent caller can win the
// row, because SKIP LOCKED removes already-claimed rows from every other
// transaction's candidate set and the UPDATE commits atomically.
func (l *Ledger) ConsumeOne(ctx context.Context, ownerDID models.DID, convoID string, cipherSuite, deviceID string) (*Consumed, error) {
	query := `
		UPDATE key_packages SET consumed_at = now(), consumed_for_convo_id = $1
		WHERE id = (
			SELECT id FROM key_packages
			WHERE owner_did = $2` + availabilityPredicate + `
			AND ($3 = '' OR cipher_suite = $3)
			AND ($4 = '' OR device_id = $4)
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, key_package, key_package_hash, device_id`

	var c Consumed
	err := l.pool.QueryRow(ctx, query, convoID, string(ownerDID.Canonical()), cipherSuite, deviceID).
		Scan(&c.ID, &c.KeyPackage, &c.KeyPackageHash, &c.DeviceID)
	if err == pgx.ErrNoRows {
		return nil, dserr.New(dserr.KindNoKeyPackagesAvailable, "no available key packages for "+string(ownerDID.Canonical()))
	}
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "consuming key package", err)
	}
	return &c, nil
}

// Reserve sets reserved_at/reserved_by_convo on the oldest available
// package for ownerDID, blocking other consumers for
// models.ReservationTTL without yet committing to consumption. Used
// during welcome validation so a concurrently-racing add doesn't also
// grab the same package.
func (l *Ledger) Reserve(ctx context.Context, ownerDID models.DID, convoID string, cipherSuite string) (*Consumed, error) {
	query := `
		UPDATE key_packages SET reserved_at = now(), reserved_by_convo = $1
		WHERE id = (
			SELECT id FROM key_packages
			WHERE owner_did = $2` + availabilityPredicate + `
			AND ($3 = '' OR cipher_suite = $3)
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, key_package, key_package_hash, device_id`

	var c Consumed
	err := l.pool.QueryRow(ctx, query, convoID, string(ownerDID.Canonical()), cipherSuite).
		Scan(&c.ID, &c.KeyPackage, &c.KeyPackageHash, &c.DeviceID)
	if err == pgx.ErrNoRows {
		return nil, dserr.New(dserr.KindNoKeyPackagesAvailable, "no available key packages for "+string(ownerDID.Canonical()))
	}
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "reserving key package", err)
	}
	return &c, nil
}

// OrphanSyncResult reports the post-cleanup state of a device-scoped
// orphan sync.
type OrphanSyncResult struct {
	RemainingHashes []string
	DeletedCount    int
}

// SyncDeviceOrphans reconciles the server-side available hash set for
// (ownerDID, deviceID) against the device's locally-held set, deleting
// any server-side row the device no longer holds a private key for.
// This operates strictly within the named device's rows: a sync from one
// device never touches another device's key packages.
func (l *Ledger) SyncDeviceOrphans(ctx context.Context, ownerDID models.DID, deviceID string, localHashes []string) (*OrphanSyncResult, error) {
	local := make(map[string]bool, len(localHashes))
	for _, h := range localHashes {
		local[h] = true
	}

	rows, err := l.pool.Query(ctx,
		`SELECT id, key_package_hash FROM key_packages
		 WHERE owner_did = $1 AND device_id = $2 AND consumed_at IS NULL AND expires_at > now()`,
		string(ownerDID.Canonical()), deviceID,
	)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "listing server-side key package hashes", err)
	}
	defer rows.Close()

	type row struct{ id, hash string }
	var serverRows []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.hash); err != nil {
			return nil, dserr.Wrap(dserr.KindInternal, "scanning key package row", err)
		}
		serverRows = append(serverRows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "iterating key package rows", err)
	}

	var orphanIDs []string
	remaining := make([]string, 0, len(serverRows))
	for _, r := range serverRows {
		if local[r.hash] {
			remaining = append(remaining, r.hash)
			continue
		}
		orphanIDs = append(orphanIDs, r.id)
	}

	if len(orphanIDs) > 0 {
		tag, err := l.pool.Exec(ctx,
			`DELETE FROM key_packages WHERE owner_did = $1 AND device_id = $2 AND id = ANY($3)`,
			string(ownerDID.Canonical()), deviceID, orphanIDs,
		)
		if err != nil {
			return nil, dserr.Wrap(dserr.KindInternal, "deleting orphaned key packages", err)
		}
		l.logger.Info("key package orphan sync deleted rows",
			slog.String("owner_did", string(ownerDID.Canonical())),
			slog.String("device_id", deviceID),
			slog.Int64("deleted", tag.RowsAffected()))
	}

	return &OrphanSyncResult{RemainingHashes: remaining, DeletedCount: len(orphanIDs)}, nil
}

// Stats summarizes a (ownerDID, optional cipherSuite) key-package pool.
type Stats struct {
	Available      int64
	Total          int64
	Consumed       int64
	Expired        int64
	Threshold      int64
	NeedsReplenish bool
}

// DefaultReplenishThreshold is the available-count floor below which
// Stats.NeedsReplenish is set, warning clients to upload fresh
// pre-keys before the pool runs dry.
const DefaultReplenishThreshold = 10

func (l *Ledger) Stats(ctx context.Context, ownerDID models.DID, cipherSuite string) (*Stats, error) {
	query := `
		SELECT
			count(*) FILTER (WHERE ` + availabilityExpr + `) AS available,
			count(*) AS total,
			count(*) FILTER (WHERE consumed_at IS NOT NULL) AS consumed,
			count(*) FILTER (WHERE consumed_at IS NULL AND expires_at <= now()) AS expired
		FROM key_packages
		WHERE owner_did = $1 AND ($2 = '' OR cipher_suite = $2)`

	var s Stats
	if err := l.pool.QueryRow(ctx, query, string(ownerDID.Canonical()), cipherSuite).
		Scan(&s.Available, &s.Total, &s.Consumed, &s.Expired); err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "computing key package stats", err)
	}
	s.Threshold = DefaultReplenishThreshold
	s.NeedsReplenish = s.Available < s.Threshold
	return &s, nil
}
