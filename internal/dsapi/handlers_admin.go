package dsapi

import (
	"net/http"

	"github.com/catbird-chat/ds/internal/clientauth"
	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

// requireFederationAdmin gates peer-policy operations to the operator
// DIDs named at startup.
func (s *Server) requireFederationAdmin(caller models.DID) error {
	if s.adminDIDs[string(caller.Canonical())] {
		return nil
	}
	return dserr.New(dserr.KindForbidden, "caller is not a federation admin")
}

type setPeerStatusRequest struct {
	DsDID                string `json:"dsDid"`
	Status               string `json:"status"`
	MaxRequestsPerMinute *int   `json:"maxRequestsPerMinute,omitempty"`
}

// SetPeerStatus promotes, suspends, or blocks a federation peer and
// optionally caps its per-minute request budget.
func (s *Server) SetPeerStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)
	if err := s.requireFederationAdmin(caller); err != nil {
		writeError(w, err)
		return
	}

	var req setPeerStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	peerDID := models.DID(req.DsDID)
	if !peerDID.Valid() {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "dsDid must be a DID"))
		return
	}
	status := models.PeerStatus(req.Status)
	switch status {
	case models.PeerStatusPending, models.PeerStatusAllow, models.PeerStatusSuspend, models.PeerStatusBlock:
	default:
		writeError(w, dserr.New(dserr.KindInvalidRequest, "status must be one of pending, allow, suspend, block"))
		return
	}

	if err := s.peerPolicy.SetPeerStatus(ctx, peerDID, status); err != nil {
		writeError(w, err)
		return
	}
	if req.MaxRequestsPerMinute != nil {
		if _, err := s.pool.Exec(ctx,
			`UPDATE federation_peers SET max_requests_per_minute = $2 WHERE ds_did = $1`,
			string(peerDID.Canonical()), *req.MaxRequestsPerMinute,
		); err != nil {
			writeError(w, dserr.Wrap(dserr.KindInternal, "setting peer rate cap", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// GetPeer returns the trust/reputation row for one peer DS.
func (s *Server) GetPeer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)
	if err := s.requireFederationAdmin(caller); err != nil {
		writeError(w, err)
		return
	}

	did := models.DID(r.URL.Query().Get("dsDid"))
	if !did.Valid() {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "dsDid must be a DID"))
		return
	}
	peer, err := s.peerPolicy.GetPeer(ctx, did)
	if err != nil {
		writeError(w, err)
		return
	}
	if peer == nil {
		writeError(w, dserr.New(dserr.KindRecipientNotFound, "peer DS unknown"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peer": peer})
}
