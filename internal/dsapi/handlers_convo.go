package dsapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/catbird-chat/ds/internal/clientauth"
	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

// MaxConvoMembers caps roster size; additions past it fail with
// TooManyMembers.
const MaxConvoMembers = 512

type createConvoRequest struct {
	CipherSuite    string            `json:"cipherSuite"`
	InitialMembers []string          `json:"initialMembers,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreateConvo creates a conversation at epoch 0 with the caller as its
// first (admin) member. Initial members join the roster without a
// commit; the creator's first addMembers commit advances to epoch 1.
func (s *Server) CreateConvo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req createConvoRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.InitialMembers) > MaxConvoMembers-1 {
		writeError(w, dserr.New(dserr.KindTooManyMembers, "initial member list exceeds the conversation size cap"))
		return
	}

	convoID := models.NewULID().String()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, creator_did, current_epoch) VALUES ($1, $2, 0)`,
		convoID, string(caller.Canonical()),
	); err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "creating conversation", err))
		return
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO members (convo_id, member_did, user_did, device_id, is_admin)
		 VALUES ($1, $2, $3, $4, true)`,
		convoID, string(caller), string(caller.Canonical()), caller.DeviceID(),
	); err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "inserting creator member", err))
		return
	}

	for _, raw := range req.InitialMembers {
		did := models.DID(raw)
		if !did.Valid() || models.Equivalent(did, caller) {
			continue
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO members (convo_id, member_did, user_did, device_id)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (convo_id, member_did) DO NOTHING`,
			convoID, string(did), string(did.Canonical()), did.DeviceID(),
		); err != nil {
			writeError(w, dserr.Wrap(dserr.KindInternal, "inserting initial member", err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"convoId":      convoID,
		"currentEpoch": 0,
		"createdAt":    time.Now().UTC(),
	})
}

type convoSummary struct {
	ConvoID      string     `json:"convoId"`
	CurrentEpoch uint32     `json:"currentEpoch"`
	UnreadCount  int64      `json:"unreadCount"`
	JoinedAt     time.Time  `json:"joinedAt"`
	LastReadAt   *time.Time `json:"lastReadAt,omitempty"`
}

// ListConvos returns every conversation the calling user is an active
// member of, any device.
func (s *Server) ListConvos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.current_epoch, m.unread_count, m.joined_at, m.last_read_at
		 FROM members m
		 JOIN conversations c ON c.id = m.convo_id
		 WHERE m.user_did = $1 AND m.left_at IS NULL
		 ORDER BY m.joined_at DESC`,
		string(caller.Canonical()),
	)
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "listing conversations", err))
		return
	}
	defer rows.Close()

	convos := make([]convoSummary, 0)
	for rows.Next() {
		var c convoSummary
		if err := rows.Scan(&c.ConvoID, &c.CurrentEpoch, &c.UnreadCount, &c.JoinedAt, &c.LastReadAt); err != nil {
			writeError(w, dserr.Wrap(dserr.KindInternal, "scanning conversation row", err))
			return
		}
		convos = append(convos, c)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"convos": convos})
}

type addMembersRequest struct {
	ConvoID          string   `json:"convoId"`
	DIDList          []string `json:"didList"`
	Commit           string   `json:"commit,omitempty"`         // base64
	WelcomeMessage   string   `json:"welcomeMessage,omitempty"` // base64
	KeyPackageHashes []string `json:"keyPackageHashes,omitempty"`
}

// AddMembers routes an epoch-advancing roster addition through the
// conversation's actor. A lost commit CAS surfaces ConflictDetected
// with the authoritative epoch and performs no writes.
func (s *Server) AddMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req addMembersRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID == "" || len(req.DIDList) == 0 {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId and didList are required"))
		return
	}
	if err := s.requireActiveMember(ctx, req.ConvoID, caller); err != nil {
		writeError(w, err)
		return
	}

	var active int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM members WHERE convo_id = $1 AND left_at IS NULL`, req.ConvoID,
	).Scan(&active); err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "counting members", err))
		return
	}
	if active+len(req.DIDList) > MaxConvoMembers {
		writeError(w, dserr.New(dserr.KindTooManyMembers, "addition would exceed the conversation size cap"))
		return
	}

	var commit []byte
	if req.Commit != "" {
		var err error
		commit, err = base64.StdEncoding.DecodeString(req.Commit)
		if err != nil {
			writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "commit must be base64", err))
			return
		}
	}
	var welcomeData []byte
	if req.WelcomeMessage != "" {
		var err error
		welcomeData, err = base64.StdEncoding.DecodeString(req.WelcomeMessage)
		if err != nil {
			writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "welcomeMessage must be base64", err))
			return
		}
	}

	dids := make([]models.DID, 0, len(req.DIDList))
	welcomes := make(map[models.DID][]byte, len(req.DIDList))
	hashes := make(map[models.DID]string, len(req.KeyPackageHashes))
	for i, raw := range req.DIDList {
		did := models.DID(raw)
		if !did.Valid() {
			writeError(w, dserr.New(dserr.KindInvalidRequest, "didList contains a malformed DID"))
			return
		}
		dids = append(dids, did)
		if welcomeData != nil {
			welcomes[did] = welcomeData
		}
		if i < len(req.KeyPackageHashes) {
			hashes[did] = req.KeyPackageHashes[i]
		}
	}

	result, err := s.registry.Get(req.ConvoID).AddMembers(ctx, dids, commit, welcomes, hashes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"newEpoch": result.NewEpoch})
}

type removeMemberRequest struct {
	ConvoID   string `json:"convoId"`
	MemberDID string `json:"memberDid"`
	Commit    string `json:"commit,omitempty"` // base64
}

// RemoveMember soft-deletes a member through the actor. Self-removal is
// always allowed; removing someone else requires admin.
func (s *Server) RemoveMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req removeMemberRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID == "" || req.MemberDID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId and memberDid are required"))
		return
	}

	target := models.DID(req.MemberDID)
	if !models.Equivalent(caller, target) {
		isAdmin, err := s.isAdmin(ctx, req.ConvoID, caller)
		if err != nil {
			writeError(w, err)
			return
		}
		if !isAdmin {
			writeError(w, dserr.New(dserr.KindForbidden, "only an admin may remove another member"))
			return
		}
	}

	var commit []byte
	if req.Commit != "" {
		var err error
		commit, err = base64.StdEncoding.DecodeString(req.Commit)
		if err != nil {
			writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "commit must be base64", err))
			return
		}
	}

	result, err := s.registry.Get(req.ConvoID).RemoveMember(ctx, target, commit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"newEpoch": result.NewEpoch})
}

// GetEpoch is the read-only epoch query; it bypasses the actor.
func (s *Server) GetEpoch(w http.ResponseWriter, r *http.Request) {
	convoID := r.URL.Query().Get("convoId")
	if convoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}
	epoch, err := s.registry.GetEpoch(r.Context(), convoID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"currentEpoch": epoch})
}

type resetUnreadRequest struct {
	ConvoID string `json:"convoId"`
}

// ResetUnread zeroes the caller's unread counter and stamps
// last_read_at through the actor.
func (s *Server) ResetUnread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req resetUnreadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}
	if err := s.registry.Get(req.ConvoID).ResetUnread(ctx, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type requestFailoverRequest struct {
	ConvoID string `json:"convoId"`
}

// RequestFailover lets a client with evidence of an unreachable
// sequencer ask this DS to take over sequencing. The health check,
// authorization, and takeover CAS all happen inside the federation
// plane.
func (s *Server) RequestFailover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req requestFailoverRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}
	if err := s.fed.RequestFailover(ctx, req.ConvoID, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"newSequencerDsDid": string(s.selfDID),
	})
}

type subscriptionTicketRequest struct {
	ConvoID string `json:"convoId,omitempty"`
}

// GetSubscriptionTicket mints the short-lived ticket a client presents
// on the subscribeConvoEvents WebSocket upgrade. Convo-scoped tickets
// additionally require active membership.
func (s *Server) GetSubscriptionTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req subscriptionTicketRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID != "" {
		if err := s.requireActiveMember(ctx, req.ConvoID, caller); err != nil {
			writeError(w, err)
			return
		}
	}
	ticket, err := s.tickets.Issue(caller.Canonical(), req.ConvoID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": ticket})
}

// --- membership helpers ---

// requireActiveMember fails with NotMember unless any device of the
// caller's user is active in the conversation.
func (s *Server) requireActiveMember(ctx context.Context, convoID string, caller models.DID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM members WHERE convo_id = $1 AND user_did = $2 AND left_at IS NULL)`,
		convoID, string(caller.Canonical()),
	).Scan(&exists)
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "checking membership", err)
	}
	if !exists {
		var convoExists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, convoID,
		).Scan(&convoExists); err != nil {
			return dserr.Wrap(dserr.KindInternal, "checking conversation existence", err)
		}
		if !convoExists {
			return dserr.New(dserr.KindConversationNotFound, "conversation not found")
		}
		return dserr.New(dserr.KindNotMember, "caller is not an active member of the conversation")
	}
	return nil
}

func (s *Server) isAdmin(ctx context.Context, convoID string, caller models.DID) (bool, error) {
	var isAdmin bool
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(bool_or(is_admin), false) FROM members
		 WHERE convo_id = $1 AND user_did = $2 AND left_at IS NULL`,
		convoID, string(caller.Canonical()),
	).Scan(&isAdmin)
	if err != nil {
		return false, dserr.Wrap(dserr.KindInternal, "checking admin status", err)
	}
	return isAdmin, nil
}
