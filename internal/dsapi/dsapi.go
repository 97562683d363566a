// Package dsapi serves the client-facing XRPC surface: device
// registration, key-package publication and lookup, conversation
// lifecycle, message send/fetch, welcome handling, group-info exchange,
// and subscription-ticket issuance. Handlers translate typed errors to
// the shared JSON envelope and HTTP status mapping, delegate every
// conversation mutation to the per-conversation actor, and leave
// replication to the outbound federation queue.
package dsapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-chat/ds/internal/actor"
	"github.com/catbird-chat/ds/internal/blob"
	"github.com/catbird-chat/ds/internal/clientauth"
	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/fanout"
	"github.com/catbird-chat/ds/internal/federation"
	"github.com/catbird-chat/ds/internal/gateway"
	"github.com/catbird-chat/ds/internal/identity"
	"github.com/catbird-chat/ds/internal/idempotency"
	"github.com/catbird-chat/ds/internal/keypackage"
	"github.com/catbird-chat/ds/internal/middleware"
	"github.com/catbird-chat/ds/internal/models"
	"github.com/catbird-chat/ds/internal/push"
	"github.com/catbird-chat/ds/internal/ratelimit"
	"github.com/catbird-chat/ds/internal/serviceauth"
	"github.com/catbird-chat/ds/internal/welcome"
)

// Server owns the client XRPC handlers and the route table.
type Server struct {
	pool       *pgxpool.Pool
	registry   *actor.Registry
	ledger     *keypackage.Ledger
	welcomes   *welcome.Store
	bus        *fanout.Bus
	idem       *idempotency.Cache
	limiter    *ratelimit.Limiter
	tickets    *gateway.TicketService
	clientAuth *clientauth.Service
	pusher     *push.Dispatcher
	blobs      blob.Store
	peerPolicy *identity.PeerPolicy
	fed        *federation.Server
	gateway    *gateway.Server
	svcAuth    *serviceauth.Service
	discovery  *federation.Discovery
	selfDID    models.DID
	adminDIDs  map[string]bool
	logger     *slog.Logger
}

// Deps bundles the collaborators main wires into the API server.
type Deps struct {
	Pool       *pgxpool.Pool
	Registry   *actor.Registry
	Ledger     *keypackage.Ledger
	Welcomes   *welcome.Store
	Bus        *fanout.Bus
	Idem       *idempotency.Cache
	Limiter    *ratelimit.Limiter
	Tickets    *gateway.TicketService
	ClientAuth *clientauth.Service
	Pusher     *push.Dispatcher
	Blobs      blob.Store
	PeerPolicy *identity.PeerPolicy
	Federation *federation.Server
	Gateway    *gateway.Server
	SvcAuth    *serviceauth.Service
	Discovery  *federation.Discovery
	SelfDID    models.DID
	AdminDIDs  []string
	Logger     *slog.Logger
}

func NewServer(d Deps) *Server {
	admins := make(map[string]bool, len(d.AdminDIDs))
	for _, did := range d.AdminDIDs {
		admins[string(models.DID(did).Canonical())] = true
	}
	return &Server{
		pool:       d.Pool,
		registry:   d.Registry,
		ledger:     d.Ledger,
		welcomes:   d.Welcomes,
		bus:        d.Bus,
		idem:       d.Idem,
		limiter:    d.Limiter,
		tickets:    d.Tickets,
		clientAuth: d.ClientAuth,
		pusher:     d.Pusher,
		blobs:      d.Blobs,
		peerPolicy: d.PeerPolicy,
		fed:        d.Federation,
		gateway:    d.Gateway,
		svcAuth:    d.SvcAuth,
		discovery:  d.Discovery,
		selfDID:    d.SelfDID,
		adminDIDs:  admins,
		logger:     d.Logger,
	}
}

// Router builds the full route table: client XRPC methods, the
// federation surface, discovery, and the WebSocket gateway.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.TracingLogger(s.logger))

	r.Get("/.well-known/catbird", s.discovery.HandleWellKnown)
	r.Get("/health", s.handleHealth)

	// Client surface.
	r.Route("/xrpc", func(r chi.Router) {
		r.Post("/blue.catbird.mls.registerDevice", s.RegisterDevice)

		r.Group(func(r chi.Router) {
			r.Use(clientauth.RequireClientAuth(s.clientAuth))
			r.Use(s.rateLimitClient)

			r.Post("/blue.catbird.mls.publishKeyPackage", s.PublishKeyPackage)
			r.Get("/blue.catbird.mlsChat.getKeyPackages", s.GetKeyPackages)
			r.Get("/blue.catbird.mlsChat.getKeyPackageStatus", s.GetKeyPackageStats)
			r.Post("/blue.catbird.mls.syncKeyPackages", s.SyncKeyPackages)

			r.Post("/blue.catbird.mlsChat.createConvo", s.CreateConvo)
			r.Get("/blue.catbird.mls.getConvos", s.ListConvos)
			r.Post("/blue.catbird.mls.addMembers", s.AddMembers)
			r.Post("/blue.catbird.mls.removeMember", s.RemoveMember)
			r.Post("/blue.catbird.mls.sendMessage", s.SendMessage)
			r.Post("/blue.catbird.mlsChat.sendEphemeral", s.SendEphemeral)
			r.Get("/blue.catbird.mlsChat.getMessages", s.GetMessages)
			r.Get("/blue.catbird.mls.getEpoch", s.GetEpoch)
			r.Post("/blue.catbird.mls.updateRead", s.ResetUnread)
			r.Get("/blue.catbird.mls.getWelcome", s.GetWelcome)
			r.Post("/blue.catbird.mls.confirmWelcome", s.ConfirmWelcome)
			r.Post("/blue.catbird.mls.invalidateWelcome", s.InvalidateWelcome)
			r.Get("/blue.catbird.mls.getGroupInfo", s.GetGroupInfo)
			r.Post("/blue.catbird.mls.updateGroupInfo", s.UpdateGroupInfo)
			r.Post("/blue.catbird.mlsChat.requestFailover", s.RequestFailover)
			r.Post("/blue.catbird.mls.getSubscriptionTicket", s.GetSubscriptionTicket)

			r.Get("/blue.catbird.mls.getPendingDeviceAdditions", s.GetPendingDeviceAdditions)
			r.Post("/blue.catbird.mls.claimPendingDeviceAddition", s.ClaimPendingDeviceAddition)
			r.Post("/blue.catbird.mls.completePendingDeviceAddition", s.CompletePendingDeviceAddition)

			r.Post("/blue.catbird.mls.updateFederationPeer", s.SetPeerStatus)
			r.Get("/blue.catbird.mls.getFederationPeer", s.GetPeer)
		})

		r.Get("/blue.catbird.mls.subscribeConvoEvents", s.gateway.HandleSubscribe)

		// DS-to-DS surface.
		r.Post("/blue.catbird.mls.ds.handshake", s.discovery.HandleHandshake)
		r.Method(http.MethodGet, "/blue.catbird.mls.ds.healthCheck", s.fedRoute("healthCheck", s.fed.HealthCheck))
		r.Method(http.MethodPost, "/blue.catbird.mls.ds.deliverMessage", s.fedRoute("deliverMessage", s.fed.DeliverMessage))
		r.Method(http.MethodPost, "/blue.catbird.mls.ds.deliverWelcome", s.fedRoute("deliverWelcome", s.fed.DeliverWelcome))
		r.Method(http.MethodPost, "/blue.catbird.mls.ds.submitCommit", s.fedRoute("submitCommit", s.fed.SubmitCommit))
		r.Method(http.MethodPost, "/blue.catbird.mls.ds.fetchKeyPackage", s.fedRoute("fetchKeyPackage", s.fed.FetchKeyPackage))
		r.Method(http.MethodPost, "/blue.catbird.mls.ds.transferSequencer", s.fedRoute("transferSequencer", s.fed.TransferSequencer))
		r.Method(http.MethodPost, "/blue.catbird.mls.ds.acceptTransfer", s.fedRoute("acceptTransfer", s.fed.AcceptTransfer))
		r.Method(http.MethodPost, "/blue.catbird.mls.ds.sequencerChanged", s.fedRoute("sequencerChanged", s.fed.SequencerChanged))
	})

	return r
}

// fedRoute chains service auth, peer policy, and the per-peer rate
// limit in front of a federation handler. The method's full NSID is the
// token's required lxm binding.
func (s *Server) fedRoute(method string, h http.HandlerFunc) http.Handler {
	return serviceauth.RequireServiceAuth(s.svcAuth, federation.NSID(method))(s.peerGate(method, h))
}

// peerGate enforces the inbound peer policy and per-peer rate caps
// after the bearer token has verified.
func (s *Server) peerGate(method string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		peerDID := serviceauth.PeerDIDFromContext(ctx)

		_, maxRPM, err := s.peerPolicy.CheckInbound(ctx, peerDID)
		if err != nil {
			s.peerPolicy.RecordOutcome(peerDID, identity.OutcomeRejected)
			writeError(w, err)
			return
		}
		if maxRPM != nil && *maxRPM > 0 {
			result, lerr := s.limiter.AllowPeer(ctx, string(peerDID)+":"+method, *maxRPM)
			if lerr != nil {
				writeError(w, lerr)
				return
			}
			if !result.Allowed {
				s.peerPolicy.RecordOutcome(peerDID, identity.OutcomeRejected)
				writeError(w, dserr.RateLimited(int(result.RetryAfter.Seconds())+1))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- shared request/response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err in the shared error envelope, surfacing the
// authoritative epoch on conflicts and a Retry-After hint on 429s.
func writeError(w http.ResponseWriter, err error) {
	if dsErr := dserr.As(err); dsErr != nil {
		body := map[string]interface{}{"code": string(dsErr.Kind), "message": dsErr.Message}
		if dsErr.CurrentEpoch != nil {
			body["current_epoch"] = *dsErr.CurrentEpoch
		}
		if dsErr.RetryAfter != 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dsErr.RetryAfter))
		}
		writeJSON(w, dserr.HTTPStatus(dsErr.Kind), map[string]interface{}{"error": body})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]string{"code": "Internal", "message": "internal error"},
	})
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dserr.Wrap(dserr.KindInvalidRequest, "decoding request body", err)
	}
	return nil
}

// clampLimit bounds a client-supplied page size to [1, max], applying
// def when absent or unparsable.
func clampLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// rateLimitClient enforces the per-DID token bucket on every
// authenticated client write or query.
func (s *Server) rateLimitClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		did := clientauth.CallerDIDFromContext(r.Context())
		result, err := s.limiter.AllowClient(r.Context(), string(did.Canonical()))
		if err != nil {
			// A broken limiter backend must not take down the API; log
			// and let the request through.
			s.logger.Error("client rate limit check failed", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}
		if !result.Allowed {
			writeError(w, dserr.RateLimited(int(result.RetryAfter.Seconds())+1))
			return
		}
		next.ServeHTTP(w, r)
	})
}
