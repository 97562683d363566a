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

// claimTTL is the exclusive window one device holds on a pending
// addition before the claim auto-releases.
const claimTTL = 60 * time.Second

type pendingAdditionView struct {
	ID        string    `json:"id"`
	ConvoID   string    `json:"convoId"`
	DeviceDID string    `json:"deviceDid"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetPendingDeviceAdditions lists the caller's open device additions:
// conversations where one of the user's devices registered after the
// group formed and still needs an add commit from an existing device.
func (s *Server) GetPendingDeviceAdditions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	rows, err := s.pool.Query(ctx,
		`SELECT id, convo_id, device_did, status, created_at
		 FROM pending_device_additions
		 WHERE user_did = $1 AND status <> 'completed'
		 ORDER BY created_at ASC`,
		string(caller.Canonical()),
	)
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "listing pending device additions", err))
		return
	}
	defer rows.Close()

	pending := make([]pendingAdditionView, 0)
	for rows.Next() {
		var p pendingAdditionView
		if err := rows.Scan(&p.ID, &p.ConvoID, &p.DeviceDID, &p.Status, &p.CreatedAt); err != nil {
			writeError(w, dserr.Wrap(dserr.KindInternal, "scanning pending addition row", err))
			return
		}
		pending = append(pending, p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pendingAdditions": pending})
}

type claimPendingRequest struct {
	PendingAdditionID string `json:"pendingAdditionId"`
}

// ClaimPendingDeviceAddition takes a 60-second exclusive claim on one
// pending addition so exactly one existing device builds the add
// commit. Expired claims are released first, then the claim itself is a
// single conditional UPDATE: losing the race returns claimed=false with
// the current holder.
func (s *Server) ClaimPendingDeviceAddition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req claimPendingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PendingAdditionID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "pendingAdditionId is required"))
		return
	}

	// Release claims whose holder went away.
	if _, err := s.pool.Exec(ctx,
		`UPDATE pending_device_additions
		 SET status = 'pending', claimed_by_did = NULL, claimed_at = NULL, claim_expires_at = NULL, updated_at = now()
		 WHERE status = 'in_progress' AND claim_expires_at < now()`,
	); err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "releasing expired claims", err))
		return
	}

	var convoID, deviceDID string
	err := s.pool.QueryRow(ctx,
		`UPDATE pending_device_additions
		 SET status = 'in_progress', claimed_by_did = $2, claimed_at = now(),
		     claim_expires_at = now() + make_interval(secs => $3), updated_at = now()
		 WHERE id = $1 AND status = 'pending' AND user_did = $4
		 RETURNING convo_id, device_did`,
		req.PendingAdditionID, string(caller), claimTTL.Seconds(), string(caller.Canonical()),
	).Scan(&convoID, &deviceDID)
	if err != nil {
		// Lost the race or unknown id: report the current holder rather
		// than failing, so the client can back off.
		var claimedBy *string
		lookupErr := s.pool.QueryRow(ctx,
			`SELECT claimed_by_did FROM pending_device_additions WHERE id = $1 AND user_did = $2`,
			req.PendingAdditionID, string(caller.Canonical()),
		).Scan(&claimedBy)
		if lookupErr != nil {
			writeError(w, dserr.New(dserr.KindRecipientNotFound, "pending addition not found"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"claimed":   false,
			"claimedBy": claimedBy,
		})
		return
	}

	resp := map[string]interface{}{
		"claimed":             true,
		"convoId":             convoID,
		"deviceCredentialDid": deviceDID,
	}

	// Hand the claimer a key package for the new device so it can build
	// the add commit without a second round trip.
	newDevice := models.DID(deviceDID)
	if consumed, err := s.ledger.ConsumeOne(ctx, newDevice, convoID, "", newDevice.DeviceID()); err == nil {
		resp["keyPackage"] = map[string]interface{}{
			"did":            deviceDID,
			"keyPackage":     base64.StdEncoding.EncodeToString(consumed.KeyPackage),
			"keyPackageHash": consumed.KeyPackageHash,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type completePendingRequest struct {
	PendingAdditionID string `json:"pendingAdditionId"`
	Success           bool   `json:"success"`
}

// CompletePendingDeviceAddition resolves a claimed addition: success
// marks it completed; failure releases the claim so another device can
// retry.
func (s *Server) CompletePendingDeviceAddition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req completePendingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PendingAdditionID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "pendingAdditionId is required"))
		return
	}

	var tagQuery string
	if req.Success {
		tagQuery = `UPDATE pending_device_additions
		 SET status = 'completed', updated_at = now()
		 WHERE id = $1 AND status = 'in_progress' AND claimed_by_did = $2`
	} else {
		tagQuery = `UPDATE pending_device_additions
		 SET status = 'pending', claimed_by_did = NULL, claimed_at = NULL, claim_expires_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'in_progress' AND claimed_by_did = $2`
	}
	tag, err := s.pool.Exec(ctx, tagQuery, req.PendingAdditionID, string(caller))
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "completing pending addition", err))
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, dserr.New(dserr.KindForbidden, "pending addition is not claimed by this device"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// createPendingAdditions stages one pending addition per active
// conversation of the user when a new device registers.
func (s *Server) createPendingAdditions(ctx context.Context, userDID models.DID, deviceDID models.DID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_device_additions (id, convo_id, user_did, device_did)
		 SELECT $1 || '-' || m.convo_id, m.convo_id, $2, $3
		 FROM (SELECT DISTINCT convo_id FROM members WHERE user_did = $2 AND left_at IS NULL) m
		 ON CONFLICT (convo_id, device_did) DO NOTHING`,
		models.NewULID().String(), string(userDID.Canonical()), string(deviceDID),
	)
	return err
}
