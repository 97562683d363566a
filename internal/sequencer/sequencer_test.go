package sequencer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/catbird-chat/ds/internal/models"
)

func TestCanonicalReceiptBytesLayout(t *testing.T) {
	hash := sha256.Sum256([]byte("commit"))
	got := CanonicalReceiptBytes("convo1", 7, hash, "did:example:seq", 1700000000)

	if string(got[:len(receiptPrefix)]) != receiptPrefix {
		t.Fatalf("missing domain separator prefix")
	}
	rest := got[len(receiptPrefix):]
	if len(rest) < 4 {
		t.Fatalf("truncated receipt bytes")
	}
}

func TestSignVerifyReceiptRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	receipt, err := SignReceipt(key, "convo1", 3, []byte("commit-bytes"), models.DID("did:example:seq"), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyReceipt(&key.PublicKey, receipt) {
		t.Fatal("receipt should verify under its own signing key")
	}

	tampered := *receipt
	tampered.Epoch++
	if VerifyReceipt(&key.PublicKey, &tampered) {
		t.Fatal("tampered receipt must not verify")
	}
}

func TestSignVerifyAckRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	msgID := models.NewULID().String()
	ack, err := SignAck(key, msgID, "convo1", 2, models.DID("did:example:receiver"), time.Unix(1700000001, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyAck(&key.PublicKey, ack) {
		t.Fatal("ack should verify under its own signing key")
	}

	tampered := *ack
	tampered.ConvoID = "other-convo"
	if VerifyAck(&key.PublicKey, &tampered) {
		t.Fatal("tampered ack must not verify")
	}
}

func TestAppendLenPrefixedLE(t *testing.T) {
	buf := appendLenPrefixedLE(nil, "abc")
	if len(buf) != 4+3 {
		t.Fatalf("len(buf) = %d, want 7", len(buf))
	}
	if buf[0] != 3 || buf[1] != 0 || buf[2] != 0 || buf[3] != 0 {
		t.Fatalf("length prefix not little-endian: %v", buf[:4])
	}
	if string(buf[4:]) != "abc" {
		t.Fatalf("payload = %q, want abc", buf[4:])
	}
}
