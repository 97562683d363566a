package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/catbird-chat/ds/internal/fanout"
	"github.com/catbird-chat/ds/internal/models"
)

// ticketProtocolPrefix is how the client smuggles its bearer ticket
// through the WebSocket upgrade: it offers the subprotocol
// "catbird-ticket.<jwt>" alongside eventProtocol. Browsers cannot set
// an Authorization header on a WebSocket handshake, so the protocol
// header is the only client-controlled field available.
const (
	eventProtocol        = "catbird.events.v1"
	ticketProtocolPrefix = "catbird-ticket."
)

// event is one frame pushed to a subscriber.
type event struct {
	Cursor    string    `json:"cursor"`
	ConvoID   string    `json:"convo_id"`
	EventType string    `json:"event_type"`
	Payload   []byte    `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
	Ephemeral bool      `json:"ephemeral,omitempty"`
}

// clientFrame is what a subscriber may send back: cursor
// acknowledgments that persist its read position.
type clientFrame struct {
	Type   string `json:"type"` // "ack"
	Cursor string `json:"cursor,omitempty"`
}

// Server upgrades subscribeConvoEvents requests and streams envelopes
// from the fan-out bus.
type Server struct {
	bus               *fanout.Bus
	tickets           *TicketService
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

func NewServer(bus *fanout.Bus, tickets *TicketService, heartbeatInterval time.Duration, logger *slog.Logger) *Server {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Server{bus: bus, tickets: tickets, heartbeatInterval: heartbeatInterval, logger: logger}
}

// HandleSubscribe serves GET /xrpc/blue.catbird.mls.subscribeConvoEvents.
// Query parameters: convoId (required unless the ticket is convo-scoped)
// and cursor (optional resume position). The bearer ticket arrives in
// the Sec-WebSocket-Protocol header.
func (s *Server) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	ticketToken := extractTicketProtocol(r)
	if ticketToken == "" {
		http.Error(w, `{"error":{"code":"Unauthorized","message":"subscription ticket required in protocol header"}}`, http.StatusUnauthorized)
		return
	}
	ticket, err := s.tickets.Redeem(ticketToken)
	if err != nil {
		http.Error(w, `{"error":{"code":"Unauthorized","message":"invalid subscription ticket"}}`, http.StatusUnauthorized)
		return
	}

	convoID := r.URL.Query().Get("convoId")
	if ticket.ConvoID != "" {
		if convoID != "" && convoID != ticket.ConvoID {
			http.Error(w, `{"error":{"code":"Forbidden","message":"ticket is scoped to a different conversation"}}`, http.StatusForbidden)
			return
		}
		convoID = ticket.ConvoID
	}
	if convoID == "" {
		http.Error(w, `{"error":{"code":"InvalidRequest","message":"convoId is required"}}`, http.StatusBadRequest)
		return
	}

	resumeCursor := r.URL.Query().Get("cursor")
	if resumeCursor != "" && !fanout.ValidateCursor(resumeCursor) {
		http.Error(w, `{"error":{"code":"InvalidRequest","message":"cursor is not a well-formed ULID"}}`, http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{eventProtocol},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "subscription ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	envelopes, err := s.bus.Subscribe(ctx, convoID, resumeCursor)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}

	go s.readLoop(ctx, cancel, conn, ticket.UserDID, convoID)

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "context cancelled")
			return
		case <-heartbeat.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		case env, ok := <-envelopes:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			frame := event{
				Cursor:    env.Cursor.String(),
				ConvoID:   env.ConvoID,
				EventType: env.EventType,
				Payload:   env.Payload,
				EmittedAt: env.EmittedAt,
				Ephemeral: env.Ephemeral,
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

// readLoop drains inbound frames, persisting cursor acks. Any read
// error (including the client closing) cancels the subscription.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, userDID models.DID, convoID string) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != "ack" || frame.Cursor == "" {
			continue
		}
		cursor, err := models.ParseULID(frame.Cursor)
		if err != nil {
			continue
		}
		if err := s.bus.UpdateCursor(ctx, userDID, convoID, cursor); err != nil {
			s.logger.Warn("persisting cursor ack failed",
				slog.String("convo_id", convoID), slog.String("error", err.Error()))
		}
	}
}

// extractTicketProtocol pulls the ticket token out of the offered
// WebSocket subprotocols.
func extractTicketProtocol(r *http.Request) string {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(header, ",") {
			proto = strings.TrimSpace(proto)
			if strings.HasPrefix(proto, ticketProtocolPrefix) {
				return strings.TrimPrefix(proto, ticketProtocolPrefix)
			}
		}
	}
	return ""
}
