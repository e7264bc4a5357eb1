package api

import (
	"net/http"
	"sort"

	"github.com/resqlink/resqlink/internal/models"
	"github.com/resqlink/resqlink/internal/store"
)

// adminScanLimit caps per-collection records in the read-all response.
const adminScanLimit = 1000

type AdminHandler struct {
	store store.Store
}

func NewAdminHandler(s store.Store) *AdminHandler {
	return &AdminHandler{store: s}
}

// Messages dumps every collection for admin/debug pulls. Requires the
// admin claim.
func (h *AdminHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ident := IdentityFromContext(r.Context())
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !ident.Admin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	alerts, err := h.store.ListMessages(r.Context(), store.Alerts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	chats, err := h.store.ListMessages(r.Context(), store.Messages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	sos := newestFirst(alerts)
	chat := newestFirst(chats)

	sosOut := make([]sosRecord, 0, len(sos))
	for _, m := range sos {
		sosOut = append(sosOut, sosToRecord(m))
	}
	chatOut := make([]chatItem, 0, len(chat))
	for _, m := range chat {
		chatOut = append(chatOut, chatItem{
			ID:        m.ID,
			FromUser:  m.OriginUserID,
			ToUser:    m.ToUserID,
			Message:   m.Payload,
			Timestamp: m.CreatedAt.UnixMilli(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sos":  sosOut,
		"chat": chatOut,
	})
}

func newestFirst(msgs []*models.Message) []*models.Message {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	if len(msgs) > adminScanLimit {
		msgs = msgs[:adminScanLimit]
	}
	return msgs
}
