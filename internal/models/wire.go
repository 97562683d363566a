package models

// DS-to-DS request bodies. The conversation actor marshals these when
// enqueueing outbound replication jobs and the federation server
// decodes them on the receiving side, so the two ends can never drift
// apart on field names or tags.

// DeliverMessageRequest replicates one message (application ciphertext
// or accepted commit) from the sequencer DS to a member DS.
type DeliverMessageRequest struct {
	ConvoID     string `json:"convo_id"`
	MsgID       string `json:"msg_id"`
	Epoch       uint32 `json:"epoch"`
	Seq         int64  `json:"seq"`
	Ciphertext  []byte `json:"ciphertext"`
	PaddedSize  int    `json:"padded_size"`
	MessageType string `json:"message_type"`
	SenderDsDID string `json:"sender_ds_did"`
}

// DeliverWelcomeRequest forwards a welcome to the recipient's DS.
type DeliverWelcomeRequest struct {
	ConvoID        string `json:"convo_id"`
	RecipientDID   string `json:"recipient_did"`
	WelcomeData    []byte `json:"welcome_data"`
	KeyPackageHash string `json:"key_package_hash"`
	SenderDsDID    string `json:"sender_ds_did"`
	InitialEpoch   uint32 `json:"initial_epoch"`
}

// SubmitCommitRequest forwards a commit from a participant DS to the
// conversation's sequencer for CAS acceptance.
type SubmitCommitRequest struct {
	ConvoID       string `json:"convo_id"`
	ExpectedEpoch uint32 `json:"expected_epoch"`
	ProposedEpoch uint32 `json:"proposed_epoch"`
	CommitData    []byte `json:"commit_data"`
	SenderDsDID   string `json:"sender_ds_did"`
}

// SequencerChangedRequest announces a failover takeover to the other
// participant DSes.
type SequencerChangedRequest struct {
	ConvoID           string `json:"convo_id"`
	NewSequencerDsDID string `json:"new_sequencer_ds_did"`
}
