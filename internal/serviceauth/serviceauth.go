// Package serviceauth implements DS-to-DS service authentication:
// minting and verifying short-lived signed tokens bound to a
// specific method name (lxm), with jti replay protection.
package serviceauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/identity"
	"github.com/catbird-chat/ds/internal/models"
)

type contextKey string

// ContextKeyPeerDID is the context key holding the calling DS's DID, set
// by RequireServiceAuth once the bearer token has verified.
const ContextKeyPeerDID contextKey = "peer_did"

// PeerDIDFromContext retrieves the authenticated peer DS's DID, or ""
// if the request was not authenticated by RequireServiceAuth.
func PeerDIDFromContext(ctx context.Context) models.DID {
	v, _ := ctx.Value(ContextKeyPeerDID).(models.DID)
	return v
}

// Claims is the JWT payload covering a single DS-to-DS call.
type Claims struct {
	jwt.RegisteredClaims
	// LXM binds the token to the exact method it authorizes, so a token
	// minted for one endpoint cannot be replayed against another.
	LXM string `json:"lxm"`
}

// Service mints and verifies service-auth tokens. ES256 is used in
// production when SigningKey is set; a shared-secret HMAC token is used
// in development when only DevSecret is set.
type Service struct {
	selfDID    models.DID
	signingKey *ecdsa.PrivateKey
	devSecret  []byte
	resolver   identity.Resolver
	redis      *redis.Client
	ttl        time.Duration
	clockSkew  time.Duration
}

func New(selfDID models.DID, signingKey *ecdsa.PrivateKey, devSecret []byte, resolver identity.Resolver, redisClient *redis.Client, ttl, clockSkew time.Duration) *Service {
	return &Service{
		selfDID:    selfDID,
		signingKey: signingKey,
		devSecret:  devSecret,
		resolver:   resolver,
		redis:      redisClient,
		ttl:        ttl,
		clockSkew:  clockSkew,
	}
}

// Mint issues a token authorizing one call to method on targetDID.
func (s *Service) Mint(targetDID models.DID, method string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    string(s.selfDID),
			Audience:  jwt.ClaimStrings{string(targetDID.Canonical())},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        models.NewULID().String(),
		},
		LXM: method,
	}

	if s.signingKey != nil {
		tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
		return tok.SignedString(s.signingKey)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.devSecret)
}

// Verify validates an inbound bearer token for expectedMethod and returns
// the caller's DID. It performs, in order: signature verification against
// the issuer's resolved verifying key (or HMAC dev secret) together with
// the expiry/skew check, audience check, lxm binding check, and jti
// replay rejection.
func (s *Service) Verify(ctx context.Context, tokenString, expectedMethod string) (models.DID, error) {
	var claims Claims

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.Alg() {
		case "ES256":
			return s.verifyingKeyFor(ctx, claims.Issuer)
		case "HS256":
			if s.devSecret == nil {
				return nil, fmt.Errorf("serviceauth: HS256 tokens are disabled (no dev secret configured)")
			}
			return s.devSecret, nil
		default:
			return nil, fmt.Errorf("serviceauth: unsupported signing method %q", t.Method.Alg())
		}
	}, jwt.WithLeeway(s.clockSkew))
	if err != nil || !token.Valid {
		return "", dserr.Wrap(dserr.KindUnauthorized, "invalid service-auth token", err)
	}

	if !audienceMatches(claims.Audience, s.selfDID) {
		return "", dserr.New(dserr.KindUnauthorized, "token audience does not match this DS")
	}
	if claims.LXM != expectedMethod {
		return "", dserr.New(dserr.KindUnauthorized, fmt.Sprintf("lxm mismatch: token authorizes %q, called %q", claims.LXM, expectedMethod))
	}
	if claims.ID == "" {
		return "", dserr.New(dserr.KindUnauthorized, "token missing jti")
	}

	if err := s.rejectReplay(ctx, claims.ID); err != nil {
		return "", err
	}

	return models.DID(claims.Issuer).Canonical(), nil
}

// audienceMatches reports whether any aud entry names selfDID, comparing
// canonical forms.
func audienceMatches(aud jwt.ClaimStrings, selfDID models.DID) bool {
	for _, a := range aud {
		if models.Equivalent(models.DID(a), selfDID) {
			return true
		}
	}
	return false
}

// verifyingKeyFor resolves iss and parses its advertised verifying key as
// an ECDSA public key.
func (s *Service) verifyingKeyFor(ctx context.Context, issuerDID string) (*ecdsa.PublicKey, error) {
	resolved, err := s.resolver.Resolve(ctx, models.DID(issuerDID))
	if err != nil {
		return nil, fmt.Errorf("resolving issuer %q: %w", issuerDID, err)
	}
	pub, err := x509.ParsePKIXPublicKey(resolved.VerifyingKey)
	if err != nil {
		return nil, fmt.Errorf("parsing verifying key for %q: %w", issuerDID, err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verifying key for %q is not ECDSA", issuerDID)
	}
	return ecPub, nil
}

// replayWindow is how long a jti is remembered to reject replay.
const replayWindow = 5 * time.Minute

// rejectReplay records jti in Redis with a TTL and fails if it has
// already been seen, using SET NX so the check-and-set is atomic across
// a fleet of DS processes sharing the same cache.
func (s *Service) rejectReplay(ctx context.Context, jti string) error {
	if s.redis == nil {
		return nil
	}
	key := "serviceauth:jti:" + jti
	ok, err := s.redis.SetNX(ctx, key, "1", replayWindow).Result()
	if err != nil {
		return dserr.Wrap(dserr.KindInternal, "checking jti replay cache", err)
	}
	if !ok {
		return dserr.New(dserr.KindUnauthorized, "token jti has already been used (replay)")
	}
	return nil
}

// GenerateSigningKey creates a fresh ES256 key pair for this DS, used by
// cmd/catbirdd's key-generation subcommand and in tests.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// RequireServiceAuth returns middleware that verifies the inbound bearer
// token against method (the lxm this route serves) and injects the
// calling DS's DID into the request context. Requests without a valid
// token receive a 401 with the shared JSON error envelope.
func RequireServiceAuth(svc *Service, method string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeServiceAuthError(w, http.StatusUnauthorized, "missing_token", "Authorization header with Bearer token is required")
				return
			}

			peerDID, err := svc.Verify(r.Context(), token, method)
			if err != nil {
				if de := dserr.As(err); de != nil {
					writeServiceAuthError(w, dserr.HTTPStatus(de.Kind), string(de.Kind), de.Message)
					return
				}
				writeServiceAuthError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyPeerDID, peerDID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeServiceAuthError writes a JSON error response matching the shared
// API error envelope. Avoids importing the dsapi package, which imports
// serviceauth, and would otherwise create a circular dependency.
func writeServiceAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
