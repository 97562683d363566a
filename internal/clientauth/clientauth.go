// Package clientauth authenticates client XRPC requests. Catbird
// carries no password or session state (see internal/models.User): a
// device receives a bearer token when it registers
// (internal/dsapi.RegisterDevice), binding the token to its device DID
// with no separate session record to look up.
package clientauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

type contextKey string

// ContextKeyCallerDID is the context key holding the authenticated
// device DID, set by RequireClientAuth/OptionalClientAuth.
const ContextKeyCallerDID contextKey = "caller_did"

// CallerDIDFromContext retrieves the authenticated device DID, or ""
// if the request was not authenticated.
func CallerDIDFromContext(ctx context.Context) models.DID {
	v, _ := ctx.Value(ContextKeyCallerDID).(models.DID)
	return v
}

// Claims is the payload of a client bearer token.
type Claims struct {
	jwt.RegisteredClaims
}

// Service mints and verifies client bearer tokens with a single HMAC
// secret held by this DS; no external resolver involved since the
// token only ever needs to prove "this DS issued it to this device",
// not to carry a cross-DS identity claim.
type Service struct {
	secret []byte
	ttl    time.Duration
}

func New(secret []byte, ttl time.Duration) *Service {
	return &Service{secret: secret, ttl: ttl}
}

// Mint issues a bearer token binding future requests to deviceDID.
func (s *Service) Mint(deviceDID models.DID) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(deviceDID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        models.NewULID().String(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// Verify validates tokenString and returns the bound device DID.
func (s *Service) Verify(tokenString string) (models.DID, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", dserr.Wrap(dserr.KindUnauthorized, "invalid client bearer token", err)
	}
	if claims.Subject == "" {
		return "", dserr.New(dserr.KindUnauthorized, "token missing subject")
	}
	return models.DID(claims.Subject), nil
}

// RequireClientAuth returns middleware that rejects requests without a
// valid bearer token, injecting the authenticated device DID.
func RequireClientAuth(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeClientAuthError(w, http.StatusUnauthorized, "missing_token", "Authorization header with Bearer token is required")
				return
			}
			did, err := svc.Verify(token)
			if err != nil {
				if de := dserr.As(err); de != nil {
					writeClientAuthError(w, dserr.HTTPStatus(de.Kind), string(de.Kind), de.Message)
					return
				}
				writeClientAuthError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyCallerDID, did)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalClientAuth validates a bearer token if present but does not
// require one, for endpoints that are safe to serve to an
// unauthenticated caller.
func OptionalClientAuth(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			did, err := svc.Verify(token)
			if err == nil && did != "" {
				r = r.WithContext(context.WithValue(r.Context(), ContextKeyCallerDID, did))
			}
			next.ServeHTTP(w, r)
		})
	}
}

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

func writeClientAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
