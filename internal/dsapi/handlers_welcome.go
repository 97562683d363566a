package dsapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/catbird-chat/ds/internal/clientauth"
	"github.com/catbird-chat/ds/internal/dserr"
)

// GetWelcome hands the caller its pending welcome for the conversation,
// consuming the new -> in_flight transition.
func (s *Server) GetWelcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	convoID := r.URL.Query().Get("convoId")
	if convoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}

	fetched, err := s.welcomes.FetchOne(ctx, convoID, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"welcomeId":      fetched.ID,
		"convoId":        fetched.ConvoID,
		"welcome":        base64.StdEncoding.EncodeToString(fetched.WelcomeData),
		"keyPackageHash": fetched.KeyPackageHash,
		"createdAt":      fetched.CreatedAt,
	})
}

type confirmWelcomeRequest struct {
	ConvoID string `json:"convoId"`
	Success bool   `json:"success"`
}

// ConfirmWelcome records that the caller processed its welcome. On
// success the member's needs_rejoin flag clears; success=false routes
// through the invalidation path with a generic reason.
func (s *Server) ConfirmWelcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req confirmWelcomeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}

	if !req.Success {
		invalidated, err := s.welcomes.Invalidate(ctx, req.ConvoID, caller, "client reported failure")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "invalidated": invalidated})
		return
	}

	if err := s.welcomes.Confirm(ctx, req.ConvoID, caller); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE members SET needs_rejoin = false, rejoin_requested_at = NULL
		 WHERE convo_id = $1 AND member_did = $2`,
		req.ConvoID, string(caller),
	); err != nil {
		s.logger.Warn("clearing needs_rejoin failed", slog.String("convo_id", req.ConvoID), slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type invalidateWelcomeRequest struct {
	ConvoID string `json:"convoId"`
	Reason  string `json:"reason,omitempty"`
}

// InvalidateWelcome records that the caller found its welcome
// cryptographically unprocessable. Invalidating after the welcome was
// already consumed is an idempotent success with invalidated=false.
func (s *Server) InvalidateWelcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req invalidateWelcomeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "unspecified"
	}

	invalidated, err := s.welcomes.Invalidate(ctx, req.ConvoID, caller, reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "invalidated": invalidated})
}

// Group-info size bounds: anything outside [128 B, 1 MB] is rejected.
const (
	MinGroupInfoSize = 128
	MaxGroupInfoSize = 1 << 20
)

// GetGroupInfo serves the conversation's group-info blob to an active
// member for external-commit rejoin. A stale or absent blob triggers a
// GroupInfoRefreshRequested event on the member bus; whichever active
// client publishes a fresh blob first wins.
func (s *Server) GetGroupInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	convoID := r.URL.Query().Get("convoId")
	if convoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}
	if err := s.requireActiveMember(ctx, convoID, caller); err != nil {
		writeError(w, err)
		return
	}

	var groupInfo []byte
	var groupInfoEpoch, currentEpoch uint32
	err := s.pool.QueryRow(ctx,
		`SELECT CASE WHEN group_info_expires_at IS NULL OR group_info_expires_at > now() THEN group_info END,
		        group_info_epoch, current_epoch
		 FROM conversations
		 WHERE id = $1`,
		convoID,
	).Scan(&groupInfo, &groupInfoEpoch, &currentEpoch)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, dserr.New(dserr.KindConversationNotFound, "conversation not found"))
		return
	}
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "loading group info", err))
		return
	}

	if len(groupInfo) == 0 || groupInfoEpoch < currentEpoch {
		if err := s.bus.GroupInfoRefreshRequested(ctx, convoID, caller); err != nil {
			s.logger.Warn("emitting group-info refresh request failed", slog.String("convo_id", convoID), slog.String("error", err.Error()))
		}
		writeError(w, dserr.New(dserr.KindInvalidGroupInfo, "group info is stale or absent; refresh requested from active members"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"convoId":   convoID,
		"epoch":     groupInfoEpoch,
		"groupInfo": base64.StdEncoding.EncodeToString(groupInfo),
	})
}

type updateGroupInfoRequest struct {
	ConvoID   string `json:"convoId"`
	Epoch     uint32 `json:"epoch"`
	GroupInfo string `json:"groupInfo"` // base64
}

// UpdateGroupInfo stores a fresh group-info blob, epoch-tagged. The
// epoch may never exceed the conversation's current epoch, and an older
// blob never overwrites a newer one.
func (s *Server) UpdateGroupInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req updateGroupInfoRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}
	groupInfo, err := base64.StdEncoding.DecodeString(req.GroupInfo)
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "groupInfo must be base64", err))
		return
	}
	if len(groupInfo) < MinGroupInfoSize || len(groupInfo) > MaxGroupInfoSize {
		writeError(w, dserr.New(dserr.KindInvalidGroupInfo,
			fmt.Sprintf("groupInfo size %d outside [%d, %d]", len(groupInfo), MinGroupInfoSize, MaxGroupInfoSize)))
		return
	}
	if err := s.requireActiveMember(ctx, req.ConvoID, caller); err != nil {
		writeError(w, err)
		return
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations
		 SET group_info = $2, group_info_epoch = $3, group_info_expires_at = now() + interval '7 days'
		 WHERE id = $1 AND current_epoch >= $3 AND group_info_epoch <= $3`,
		req.ConvoID, groupInfo, req.Epoch,
	)
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "storing group info", err))
		return
	}
	if tag.RowsAffected() == 0 {
		epoch, eerr := s.registry.GetEpoch(ctx, req.ConvoID)
		if eerr != nil {
			writeError(w, eerr)
			return
		}
		writeError(w, dserr.Conflict(epoch))
		return
	}

	if s.blobs != nil {
		key := fmt.Sprintf("groupinfo/%s/%d", req.ConvoID, req.Epoch)
		if err := s.blobs.Put(ctx, key, groupInfo); err != nil {
			s.logger.Warn("archiving group info to blob store failed", slog.String("convo_id", req.ConvoID), slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "epoch": req.Epoch})
}
