package models

import (
	"testing"
	"time"
)

func TestDIDCanonical(t *testing.T) {
	tests := []struct {
		in   DID
		want DID
	}{
		{"did:plc:alice", "did:plc:alice"},
		{"did:plc:alice#device-1", "did:plc:alice"},
		{"did:plc:alice#", "did:plc:alice"},
	}
	for _, tc := range tests {
		if got := tc.in.Canonical(); got != tc.want {
			t.Errorf("Canonical(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDIDDeviceID(t *testing.T) {
	d := DID("did:plc:alice#device-1")
	if got := d.DeviceID(); got != "device-1" {
		t.Errorf("DeviceID() = %q, want %q", got, "device-1")
	}
	bare := DID("did:plc:alice")
	if got := bare.DeviceID(); got != "" {
		t.Errorf("DeviceID() on bare DID = %q, want empty", got)
	}
}

func TestEquivalent(t *testing.T) {
	a := DID("did:plc:alice#device-1")
	b := DID("did:plc:alice#device-2")
	c := DID("did:plc:bob")
	if !Equivalent(a, b) {
		t.Error("expected same user's devices to be equivalent")
	}
	if Equivalent(a, c) {
		t.Error("expected different users to not be equivalent")
	}
}

func TestDIDValid(t *testing.T) {
	if !DID("did:plc:alice").Valid() {
		t.Error("expected did:plc:alice to be valid")
	}
	if DID("not-a-did").Valid() {
		t.Error("expected not-a-did to be invalid")
	}
	if DID("did:").Valid() {
		t.Error("expected bare scheme to be invalid")
	}
}

func TestWithDevice(t *testing.T) {
	got := WithDevice("did:plc:alice", "device-1")
	if got != "did:plc:alice#device-1" {
		t.Errorf("WithDevice() = %q, want did:plc:alice#device-1", got)
	}
	if got := WithDevice("did:plc:alice", ""); got != "did:plc:alice" {
		t.Errorf("WithDevice() with empty device = %q, want did:plc:alice", got)
	}
}

func TestConversationIsSequencedLocally(t *testing.T) {
	self := DID("did:plc:self")
	c := &Conversation{SequencerDS: ""}
	if !c.IsSequencedLocally(self) {
		t.Error("empty SequencerDS should be sequenced locally")
	}
	c.SequencerDS = self
	if !c.IsSequencedLocally(self) {
		t.Error("SequencerDS == self should be sequenced locally")
	}
	c.SequencerDS = "did:plc:other"
	if c.IsSequencedLocally(self) {
		t.Error("SequencerDS == other should not be sequenced locally")
	}
}

func TestMemberActive(t *testing.T) {
	m := &Member{}
	if !m.Active() {
		t.Error("member with nil LeftAt should be active")
	}
	now := time.Now()
	m.LeftAt = &now
	if m.Active() {
		t.Error("member with set LeftAt should not be active")
	}
}

func TestClampTrustScore(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 0},
		{1500, TrustScoreMax},
		{-1500, TrustScoreMin},
		{TrustScoreMax, TrustScoreMax},
		{TrustScoreMin, TrustScoreMin},
	}
	for _, tc := range tests {
		if got := ClampTrustScore(tc.in); got != tc.want {
			t.Errorf("ClampTrustScore(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
