package dsapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/catbird-chat/ds/internal/clientauth"
	"github.com/catbird-chat/ds/internal/dserr"
	"github.com/catbird-chat/ds/internal/idempotency"
	"github.com/catbird-chat/ds/internal/models"
)

type sendMessageRequest struct {
	ConvoID        string `json:"convoId"`
	Ciphertext     string `json:"ciphertext"` // base64
	Epoch          uint32 `json:"epoch"`
	PaddedSize     int    `json:"paddedSize"`
	MsgID          string `json:"msgId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type sendMessageResponse struct {
	MessageID string    `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// SendMessage persists one application ciphertext through the
// conversation actor. Two layers make retries safe: the idempotency
// cache replays the exact response bytes for a repeated idempotencyKey,
// and the (convo_id, msgId) unique index makes the insert itself a
// no-op replay even when the cache has expired.
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID == "" || req.MsgID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId and msgId are required"))
		return
	}
	if _, err := models.ParseULID(req.MsgID); err != nil {
		writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "msgId must be a 26-character ULID", err))
		return
	}

	if req.IdempotencyKey != "" {
		if entry, hit, err := s.idem.Get(ctx, req.IdempotencyKey); err == nil && hit {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(entry.StatusCode)
			_, _ = w.Write(entry.ResponseBody)
			return
		}
	}

	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "ciphertext must be base64", err))
		return
	}

	if err := s.requireActiveMember(ctx, req.ConvoID, caller); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.registry.Get(req.ConvoID).SendMessage(ctx, caller, ciphertext, req.MsgID, req.Epoch, req.PaddedSize, req.IdempotencyKey, false)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.pusher != nil {
		s.pusher.NotifyConvo(ctx, req.ConvoID, caller)
	}

	resp := sendMessageResponse{MessageID: result.MessageID.String(), CreatedAt: result.CreatedAt}
	if req.IdempotencyKey != "" {
		body, merr := json.Marshal(resp)
		if merr == nil {
			if cerr := s.idem.Put(ctx, req.IdempotencyKey, idempotency.Entry{
				Endpoint:     "chat.catbird.convo.sendMessage",
				ResponseBody: body,
				StatusCode:   http.StatusOK,
			}, 0); cerr != nil {
				s.logger.Warn("caching idempotent response failed", "error", cerr.Error())
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendEphemeralRequest struct {
	ConvoID    string `json:"convoId"`
	Ciphertext string `json:"ciphertext"` // base64
	Epoch      uint32 `json:"epoch"`
	PaddedSize int    `json:"paddedSize"`
}

// SendEphemeral broadcasts typing/presence ciphertext to live
// subscribers without persisting it: no message-log row, no unread
// increment, no push, no replication. Padding is enforced exactly as
// for persistent sends so bus observers cannot tell the two apart by
// length.
func (s *Server) SendEphemeral(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	var req sendEphemeralRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConvoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInvalidRequest, "ciphertext must be base64", err))
		return
	}

	if err := s.requireActiveMember(ctx, req.ConvoID, caller); err != nil {
		writeError(w, err)
		return
	}

	msgID := models.NewULID().String()
	if _, err := s.registry.Get(req.ConvoID).SendMessage(ctx, caller, ciphertext, msgID, req.Epoch, req.PaddedSize, "", true); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type messageView struct {
	ID          string    `json:"id"`
	MessageType string    `json:"messageType"`
	Epoch       uint32    `json:"epoch"`
	Seq         int64     `json:"seq"`
	Ciphertext  string    `json:"ciphertext"` // base64
	PaddedSize  int       `json:"paddedSize"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GetMessages pages a conversation's log in ascending seq order.
// sinceSeq is exclusive; limit is clamped to [1, 100].
func (s *Server) GetMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := clientauth.CallerDIDFromContext(ctx)

	q := r.URL.Query()
	convoID := q.Get("convoId")
	if convoID == "" {
		writeError(w, dserr.New(dserr.KindInvalidRequest, "convoId is required"))
		return
	}
	if err := s.requireActiveMember(ctx, convoID, caller); err != nil {
		writeError(w, err)
		return
	}

	var sinceSeq int64
	if raw := q.Get("sinceSeq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, dserr.New(dserr.KindInvalidRequest, "sinceSeq must be an integer"))
			return
		}
		sinceSeq = n
	}
	limit := clampLimit(q.Get("limit"), 50, 100)

	rows, err := s.pool.Query(ctx,
		`SELECT id, message_type, epoch, seq, ciphertext, padded_size, created_at
		 FROM messages
		 WHERE convo_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		convoID, sinceSeq, limit,
	)
	if err != nil {
		writeError(w, dserr.Wrap(dserr.KindInternal, "listing messages", err))
		return
	}
	defer rows.Close()

	messages := make([]messageView, 0, limit)
	for rows.Next() {
		var m messageView
		var ciphertext []byte
		if err := rows.Scan(&m.ID, &m.MessageType, &m.Epoch, &m.Seq, &ciphertext, &m.PaddedSize, &m.CreatedAt); err != nil {
			writeError(w, dserr.Wrap(dserr.KindInternal, "scanning message row", err))
			return
		}
		m.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
		messages = append(messages, m)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}
