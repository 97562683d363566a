// Package sequencer implements per-conversation CAS epoch advancement and
// signed ordering receipts. Exactly one DS sequences a given
// conversation at any instant; SubmitCommit either advances the epoch by
// exactly one or reports the conflicting current epoch with no write.
package sequencer

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

// receiptPrefix and ackPrefix are domain-separator prefixes preventing
// cross-protocol reuse of a signature produced for one purpose against
// the other.
const (
	receiptPrefix = "CATBIRD-RECEIPT-V1:"
	ackPrefix     = "CATBIRD-ACK-V1:"
)

// CanonicalReceiptBytes produces the fixed receipt byte layout, which
// every implementation must reproduce bit-exact:
//
//	"CATBIRD-RECEIPT-V1:" ‖ len_u32_LE(convo_id) ‖ convo_id ‖
//	epoch_i32_BE ‖ commit_sha256[32] ‖ len_u32_LE(sequencer_did) ‖
//	sequencer_did ‖ issued_at_i64_BE
func CanonicalReceiptBytes(convoID string, epoch uint32, commitSHA256 [32]byte, sequencerDID string, issuedAt int64) []byte {
	buf := make([]byte, 0, len(receiptPrefix)+4+len(convoID)+4+32+4+len(sequencerDID)+8)
	buf = append(buf, receiptPrefix...)
	buf = appendLenPrefixedLE(buf, convoID)
	buf = appendU32BE(buf, epoch)
	buf = append(buf, commitSHA256[:]...)
	buf = appendLenPrefixedLE(buf, sequencerDID)
	buf = appendI64BE(buf, issuedAt)
	return buf
}

// CanonicalAckBytes produces the fixed delivery-ack byte layout,
// bit-exact across implementations:
//
//	"CATBIRD-ACK-V1:" ‖ len_u32_LE(message_id) ‖ message_id ‖
//	len_u32_LE(convo_id) ‖ convo_id ‖ epoch_i32_BE ‖
//	len_u32_LE(receiver_ds_did) ‖ receiver_ds_did ‖ acked_at_i64_BE
func CanonicalAckBytes(messageID, convoID string, epoch uint32, receiverDsDID string, ackedAt int64) []byte {
	buf := make([]byte, 0, len(ackPrefix)+4+len(messageID)+4+len(convoID)+4+4+len(receiverDsDID)+8)
	buf = append(buf, ackPrefix...)
	buf = appendLenPrefixedLE(buf, messageID)
	buf = appendLenPrefixedLE(buf, convoID)
	buf = appendU32BE(buf, epoch)
	buf = appendLenPrefixedLE(buf, receiverDsDID)
	buf = appendI64BE(buf, ackedAt)
	return buf
}

func appendLenPrefixedLE(buf []byte, s string) []byte {
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(s)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, s...)
}

func appendU32BE(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendI64BE(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

// SignReceipt signs the canonical receipt bytes with an ES256 (ECDSA
// P-256 + SHA-256) key and returns a models.SequencerReceipt.
func SignReceipt(key *ecdsa.PrivateKey, convoID string, epoch uint32, commitBytes []byte, sequencerDID models.DID, issuedAt time.Time) (*models.SequencerReceipt, error) {
	commitHash := sha256.Sum256(commitBytes)
	issuedUnix := issuedAt.Unix()
	canon := CanonicalReceiptBytes(convoID, epoch, commitHash, string(sequencerDID), issuedUnix)
	digest := sha256.Sum256(canon)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "signing sequencer receipt", err)
	}
	return &models.SequencerReceipt{
		ConvoID:      convoID,
		Epoch:        epoch,
		CommitHash:   commitHash[:],
		SequencerDID: sequencerDID,
		IssuedAt:     issuedUnix,
		Signature:    sig,
	}, nil
}

// VerifyReceipt reports whether receipt verifies under pub: all five
// canonical fields must be byte-identical to the signed ones.
func VerifyReceipt(pub *ecdsa.PublicKey, receipt *models.SequencerReceipt) bool {
	if len(receipt.CommitHash) != 32 {
		return false
	}
	var hash [32]byte
	copy(hash[:], receipt.CommitHash)
	canon := CanonicalReceiptBytes(receipt.ConvoID, receipt.Epoch, hash, string(receipt.SequencerDID), receipt.IssuedAt)
	digest := sha256.Sum256(canon)
	return ecdsa.VerifyASN1(pub, digest[:], receipt.Signature)
}

// SignAck signs the canonical delivery-ack bytes with an ES256 key.
func SignAck(key *ecdsa.PrivateKey, messageID, convoID string, epoch uint32, receiverDsDID models.DID, ackedAt time.Time) (*models.DeliveryAck, error) {
	ackedUnix := ackedAt.Unix()
	canon := CanonicalAckBytes(messageID, convoID, epoch, string(receiverDsDID), ackedUnix)
	digest := sha256.Sum256(canon)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "signing delivery ack", err)
	}
	return &models.DeliveryAck{
		MessageID:     models.MustParseULID(messageID),
		ConvoID:       convoID,
		Epoch:         epoch,
		ReceiverDsDID: receiverDsDID,
		AckedAt:       ackedUnix,
		Signature:     sig,
	}, nil
}

// VerifyAck reports whether ack verifies under pub.
func VerifyAck(pub *ecdsa.PublicKey, ack *models.DeliveryAck) bool {
	canon := CanonicalAckBytes(ack.MessageID.String(), ack.ConvoID, ack.Epoch, string(ack.ReceiverDsDID), ack.AckedAt)
	digest := sha256.Sum256(canon)
	return ecdsa.VerifyASN1(pub, digest[:], ack.Signature)
}

// Sequencer performs the CAS epoch advancement for conversations this DS
// sequences, optionally signing an acceptance receipt.
type Sequencer struct {
	pool         *pgxpool.Pool
	logger       *slog.Logger
	selfDID      models.DID
	signingKey   *ecdsa.PrivateKey // nil means receipts are not signed
}

func New(pool *pgxpool.Pool, logger *slog.Logger, selfDID models.DID, signingKey *ecdsa.PrivateKey) *Sequencer {
	return &Sequencer{pool: pool, logger: logger, selfDID: selfDID, signingKey: signingKey}
}

// Result is the outcome of SubmitCommit.
type Result struct {
	Accepted     bool
	CurrentEpoch uint32 // authoritative epoch, set on both accept and conflict
	Receipt      *models.SequencerReceipt
}

// SubmitCommit advances the conversation epoch by compare-and-swap:
//
//  1. Fast reject (no DB write) if proposedEpoch != expectedEpoch+1.
//  2. UPDATE conversations SET current_epoch = proposed WHERE id = ? AND
//     current_epoch = expected. One row affected: Accepted. Zero: read the
//     actual epoch and report Conflict.
//  3. On Accepted, sign a receipt if a signing key is configured.
func (s *Sequencer) SubmitCommit(ctx context.Context, convoID string, expectedEpoch, proposedEpoch uint32, commitBytes []byte) (*Result, error) {
	if proposedEpoch != expectedEpoch+1 {
		current, err := s.currentEpoch(ctx, convoID)
		if err != nil {
			return nil, err
		}
		return &Result{Accepted: false, CurrentEpoch: current}, dserr.Conflict(current)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET current_epoch = $1 WHERE id = $2 AND current_epoch = $3`,
		proposedEpoch, convoID, expectedEpoch,
	)
	if err != nil {
		return nil, dserr.Wrap(dserr.KindInternal, "submitting commit CAS", err)
	}

	if tag.RowsAffected() != 1 {
		current, err := s.currentEpoch(ctx, convoID)
		if err != nil {
			return nil, err
		}
		return &Result{Accepted: false, CurrentEpoch: current}, dserr.Conflict(current)
	}

	result := &Result{Accepted: true, CurrentEpoch: proposedEpoch}

	if s.signingKey != nil {
		receipt, err := SignReceipt(s.signingKey, convoID, proposedEpoch, commitBytes, s.selfDID, time.Now())
		if err != nil {
			s.logger.Error("signing sequencer receipt failed", slog.String("convo_id", convoID), slog.String("error", err.Error()))
		} else {
			result.Receipt = receipt
		}
	}

	return result, nil
}

func (s *Sequencer) currentEpoch(ctx context.Context, convoID string) (uint32, error) {
	var epoch uint32
	err := s.pool.QueryRow(ctx, `SELECT current_epoch FROM conversations WHERE id = $1`, convoID).Scan(&epoch)
	if err == pgx.ErrNoRows {
		return 0, dserr.New(dserr.KindConversationNotFound, "conversation "+convoID+" not found")
	}
	if err != nil {
		return 0, dserr.Wrap(dserr.KindInternal, "reading current epoch", err)
	}
	return epoch, nil
}
