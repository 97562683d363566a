// Package gateway serves subscribeConvoEvents: a WebSocket upgrade
// authenticated by a short-lived self-issued ticket, replaying the
// conversation's event stream from the client's resume cursor and then
// tailing live envelopes.
package gateway

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/models"
)

// DefaultTicketTTL is how long an issued ticket stays presentable.
const DefaultTicketTTL = 30 * time.Second

// ticketClaims binds a ticket to the subscribing user and, optionally,
// one conversation.
type ticketClaims struct {
	jwt.RegisteredClaims
	ConvoID string `json:"convo_id,omitempty"`
}

// Ticket is a verified subscription ticket.
type Ticket struct {
	UserDID models.DID
	// ConvoID restricts the ticket to a single conversation when set.
	ConvoID string
}

// TicketService issues and verifies HS256 subscription tickets. Each
// ticket carries a random jti and may be presented exactly once: the
// presentation binds one WebSocket connection.
type TicketService struct {
	secret []byte
	ttl    time.Duration

	mu   sync.Mutex
	used map[string]time.Time // jti -> expiry
}

func NewTicketService(secret []byte, ttl time.Duration) *TicketService {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketService{secret: secret, ttl: ttl, used: make(map[string]time.Time)}
}

// Issue mints a ticket for userDID, optionally scoped to convoID.
func (t *TicketService) Issue(userDID models.DID, convoID string) (string, error) {
	now := time.Now()
	claims := ticketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userDID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        models.NewULID().String(),
		},
		ConvoID: convoID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", dserr.Wrap(dserr.KindInternal, "signing subscription ticket", err)
	}
	return signed, nil
}

// Redeem verifies tokenString and consumes its jti. A second redemption
// of the same ticket fails even inside the validity window.
func (t *TicketService) Redeem(tokenString string) (*Ticket, error) {
	var claims ticketClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(tok *jwt.Token) (interface{}, error) {
		if tok.Method.Alg() != "HS256" {
			return nil, dserr.New(dserr.KindUnauthorized, "subscription tickets must be HS256")
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, dserr.Wrap(dserr.KindUnauthorized, "invalid subscription ticket", err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, dserr.New(dserr.KindUnauthorized, "subscription ticket missing subject or jti")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for jti, exp := range t.used {
		if now.After(exp) {
			delete(t.used, jti)
		}
	}
	if _, seen := t.used[claims.ID]; seen {
		return nil, dserr.New(dserr.KindUnauthorized, "subscription ticket already redeemed")
	}
	t.used[claims.ID] = claims.ExpiresAt.Time

	return &Ticket{UserDID: models.DID(claims.Subject), ConvoID: claims.ConvoID}, nil
}
