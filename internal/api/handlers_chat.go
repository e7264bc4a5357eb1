package api

import (
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/resqlink/resqlink/internal/models"
	"github.com/resqlink/resqlink/internal/store"
)

type ChatHandler struct {
	store store.Store
}

func NewChatHandler(s store.Store) *ChatHandler {
	return &ChatHandler{store: s}
}

type chatItem struct {
	ID        string `json:"id,omitempty"`
	FromUser  string `json:"fromUser"`
	ToUser    string `json:"toUser"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type chatSyncRequest struct {
	Messages []chatItem `json:"messages"`
}

func validChatItem(it chatItem) bool {
	n := utf8.RuneCountInString(it.Message)
	return it.FromUser != "" && it.ToUser != "" &&
		n >= 1 && n <= models.MaxChatPayload &&
		it.Timestamp > 0
}

// Sync ingests a batch of chat messages (1-100). Records with an id
// the server already holds are merged, not duplicated, so nodes can
// replay their outbox after reconnecting; savedCount reports only the
// records this call actually stored.
func (h *ChatHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ident := IdentityFromContext(r.Context())
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req chatSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.Messages) < 1 || len(req.Messages) > models.MaxSyncBatch {
		writeError(w, http.StatusBadRequest, "messages must contain 1-100 items")
		return
	}
	for _, it := range req.Messages {
		if !validChatItem(it) {
			writeError(w, http.StatusBadRequest, "invalid chat message in batch")
			return
		}
	}
	for _, it := range req.Messages {
		if it.FromUser != ident.UserID && it.ToUser != ident.UserID {
			writeError(w, http.StatusForbidden, "message user mismatch")
			return
		}
	}

	echoed := make([]chatItem, 0, len(req.Messages))
	saved := 0
	for _, it := range req.Messages {
		id := it.ID
		if id == "" {
			id = models.NewMessageID()
		}

		existing, err := h.store.GetMessage(r.Context(), store.Messages, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		if existing == nil {
			m := &models.Message{
				ID:           id,
				Kind:         models.KindChat,
				OriginUserID: it.FromUser,
				ToUserID:     it.ToUser,
				Payload:      it.Message,
				CreatedAt:    time.UnixMilli(it.Timestamp).UTC(),
			}
			if err := h.store.PutMessage(r.Context(), store.Messages, m); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to store message")
				return
			}
			saved++
		}

		it.ID = id
		echoed = append(echoed, it)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"savedCount": saved,
		"messages":   echoed,
	})
}
