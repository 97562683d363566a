package dsapi

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/catbird-chat/ds/internal/clientauth"
	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

type publishKeyPackageRequest struct {
	KeyPackage  string `json:"keyPackage"` // base64
	CipherSuite string `json:"cipherSuite"`
	Expires     string `json:"expires,omitempty"` // RFC 3339
}

// PublishKeyPackage stores one pre-key for the calling device, deduping
// on payload hash.
func (s *Server) PublishKeyPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req publishKeyPackageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.KeyPackage)
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "keyPackage must be base64", err))
		return
	}
	if len(payload) == 0 {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "keyPackage is empty"))
		return
	}

	expiresAt := time.Now().Add(defaultKeyPackageTTL)
	if req.Expires != "" {
		parsed, err := time.Parse(time.RFC3339, req.Expires)
		if err != nil {
			writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "expires must be RFC 3339", err))
			return
		}
		expiresAt = parsed
	}

	hash, inserted, err := s.ledger.Publish(ctx, caller, caller.DeviceID(), req.CipherSuite, payload, expiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keyPackageHash": hash,
		"inserted":       inserted,
	})
}

type keyPackageResult struct {
	DID            string `json:"did"`
	KeyPackage     string `json:"keyPackage,omitempty"` // base64
	KeyPackageHash string `json:"keyPackageHash,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// GetKeyPackages consumes one available key package per requested DID.
// A second call for the same DID yields a different package, or
// NoKeyPackagesAvailable in that DID's slot once the pool is dry;
// partial success is reported per-DID rather than failing the batch.
func (s *Server) GetKeyPackages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	didsParam := r.URL.Query().Get("dids")
	if didsParam == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "dids query parameter is required"))
		return
	}
	cipherSuite := r.URL.Query().Get("cipherSuite")

	var results []keyPackageResult
	for _, raw := range strings.Split(didsParam, ",") {
		did := models.DID(strings.TrimSpace(raw))
		if !did.Valid() {
			results = append(results, keyPackageResult{DID: string(did), Error: string(dserr.KindInvalidRequest)})
			continue
		}
		consumed, err := s.ledger.ConsumeOne(ctx, did, "", cipherSuite, did.DeviceID())
		if err != nil {
			kind := dserr.KindInternal
			if de := dserr.As(err); de != nil {
				kind = de.Kind
			}
			results = append(results, keyPackageResult{DID: string(did), Error: string(kind)})
			continue
		}
		results = append(results, keyPackageResult{
			DID:            string(did),
			KeyPackage:     base64.StdEncoding.EncodeToString(consumed.KeyPackage),
			KeyPackageHash: consumed.KeyPackageHash,
			DeviceID:       consumed.DeviceID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keyPackages": results})
}

// GetKeyPackageStats reports the calling user's pre-key pool health.
func (s *Server) GetKeyPackageStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	stats, err := s.ledger.Stats(ctx, caller, r.URL.Query().Get("cipherSuite"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"available":      stats.Available,
		"total":          stats.Total,
		"consumed":       stats.Consumed,
		"expired":        stats.Expired,
		"threshold":      stats.Threshold,
		"needsReplenish": stats.NeedsReplenish,
	})
}

type syncKeyPackagesRequest struct {
	DeviceID    string   `json:"deviceId"`
	LocalHashes []string `json:"localHashes"`
}

// SyncKeyPackages reconciles the calling device's server-side pre-keys
// against the hash set it still holds private keys for. Strictly
// device-scoped: another device's packages are never touched.
func (s *Server) SyncKeyPackages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req syncKeyPackagesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = caller.DeviceID()
	}
	if deviceID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "deviceId is required"))
		return
	}
	// A device may only reconcile its own rows.
	if callerDevice := caller.DeviceID(); callerDevice != "" && callerDevice != deviceID {
		writeError(w, dserr.New(dserr.KindForbidden, "deviceId does not match the authenticated device"))
		return
	}

	result, err := s.ledger.SyncDeviceOrphans(ctx, caller, deviceID, req.LocalHashes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"remainingHashes": result.RemainingHashes,
		"deletedCount":    result.DeletedCount,
	})
}
