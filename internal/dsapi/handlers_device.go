package dsapi

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

type registerDeviceRequest struct {
	DID         string   `json:"did"`
	DeviceName  string   `json:"deviceName"`
	DeviceUUID  string   `json:"deviceUuid,omitempty"`
	KeyPackages []string `json:"keyPackages"` // base64
	CipherSuite string   `json:"cipherSuite,omitempty"`
	PushToken   string   `json:"pushToken,omitempty"`
	Platform    string   `json:"platform,omitempty"`
}

type registerDeviceResponse struct {
	DeviceDID     string   `json:"deviceDid"`
	DeviceID      string   `json:"deviceId"`
	AccessToken   string   `json:"accessToken"`
	PublishedKeys []string `json:"publishedKeyPackageHashes"`
}

// defaultKeyPackageTTL bounds freshly registered pre-keys; clients
// re-publish well before this.
const defaultKeyPackageTTL = 90 * 24 * time.Hour

// RegisterDevice creates the user row if absent, registers the device
// with its optional push token, publishes the initial key packages, and
// mints the bearer token every subsequent call presents.
func (s *Server) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerDeviceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userDID := models.DID(req.DID)
	if !userDID.Valid() {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "did must begin with \"did:\""))
		return
	}
	if req.DeviceName == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "deviceName is required"))
		return
	}

	deviceID := req.DeviceUUID
	if deviceID == "" {
		deviceID = models.NewULID().String()
	}
	deviceDID := models.WithDevice(userDID, deviceID)

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO users (did) VALUES ($1) ON CONFLICT (did) DO NOTHING`,
		string(userDID.Canonical()),
	); err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "creating user", err))
		return
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO devices (id, owner_did, device_name, push_token, platform)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET device_name = $3, push_token = $4, platform = $5`,
		deviceID, string(userDID.Canonical()), req.DeviceName, req.PushToken, req.Platform,
	); err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "registering device", err))
		return
	}

	hashes := make([]string, 0, len(req.KeyPackages))
	for _, encoded := range req.KeyPackages {
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "keyPackages entries must be base64", err))
			return
		}
		hash, _, err := s.ledger.Publish(ctx, userDID, deviceID, req.CipherSuite, payload, time.Now().Add(defaultKeyPackageTTL))
		if err != nil {
			writeError(w, err)
			return
		}
		hashes = append(hashes, hash)
	}

	// An existing device of this user must still add the new device to
	// every conversation the user is in; stage that work now.
	if err := s.createPendingAdditions(ctx, userDID, deviceDID); err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "staging pending device additions", err))
		return
	}

	token, err := s.clientAuth.Mint(deviceDID)
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "minting client token", err))
		return
	}

	writeJSON(w, http.StatusOK, registerDeviceResponse{
		DeviceDID:     string(deviceDID),
		DeviceID:      deviceID,
		AccessToken:   token,
		PublishedKeys: hashes,
	})
}
