package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/resqlink/resqlink/internal/geo"
	"github.com/resqlink/resqlink/internal/models"
	"github.com/resqlink/resqlink/internal/store"
)

// nearbyScanLimit caps how many recent SOS records the nearby query
// filters over.
const nearbyScanLimit = 500

type SOSHandler struct {
	store store.Store
}

func NewSOSHandler(s store.Store) *SOSHandler {
	return &SOSHandler{store: s}
}

type sosRequest struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
}

type sosRecord struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
}

// nearbyRecord carries the computed distance; zero is a legitimate
// value (query center on top of the sender), so no omitempty.
type nearbyRecord struct {
	sosRecord
	DistanceKm float64 `json:"distanceKm"`
}

func sosToRecord(m *models.Message) sosRecord {
	rec := sosRecord{
		ID:        m.ID,
		UserID:    m.OriginUserID,
		Message:   m.Payload,
		Timestamp: m.CreatedAt.UnixMilli(),
	}
	if m.Location != nil {
		rec.Lat = m.Location.Latitude
		rec.Lng = m.Location.Longitude
	}
	return rec
}

// Create stores an SOS. Clients assign ids; a repeated id is answered
// with the already-stored record, which makes retried pushes harmless.
// Ids are minted only for legacy callers that send none.
func (h *SOSHandler) Create(w http.ResponseWriter, r *http.Request) {
	ident := IdentityFromContext(r.Context())
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req sosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if n := utf8.RuneCountInString(req.Message); n == 0 || n > models.MaxSOSPayload {
		writeError(w, http.StatusBadRequest, "message must be 1-280 chars")
		return
	}
	if req.Timestamp <= 0 {
		writeError(w, http.StatusBadRequest, "timestamp must be a positive integer")
		return
	}
	if err := models.ValidateCoords(req.Lat, req.Lng); err != nil {
		writeError(w, http.StatusBadRequest, "lat/lng out of range")
		return
	}
	if ident.UserID != req.UserID {
		writeError(w, http.StatusForbidden, "userId mismatch")
		return
	}

	id := req.ID
	if id == "" {
		id = models.NewMessageID()
	}

	if existing, err := h.store.GetMessage(r.Context(), store.Alerts, id); err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	} else if existing != nil {
		writeJSON(w, http.StatusCreated, sosToRecord(existing))
		return
	}

	m := &models.Message{
		ID:           id,
		Kind:         models.KindSOS,
		OriginUserID: req.UserID,
		Payload:      req.Message,
		Location:     &models.Location{Latitude: req.Lat, Longitude: req.Lng},
		Severity:     models.SeverityCritical,
		CreatedAt:    time.UnixMilli(req.Timestamp).UTC(),
	}
	if err := h.store.PutMessage(r.Context(), store.Alerts, m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	writeJSON(w, http.StatusCreated, sosToRecord(m))
}

// Nearby answers GET /api/sos/nearby?lat&lng&radius with SOS records
// inside the radius, closest first. Radius defaults to 5 km.
func (h *SOSHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, http.StatusBadRequest, "lat,lng required")
		return
	}

	radius := 5.0
	if raw := r.URL.Query().Get("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid radius")
			return
		}
		radius = v
	}

	msgs, err := h.store.ListMessages(r.Context(), store.Alerts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	sos := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Kind == models.KindSOS {
			sos = append(sos, m)
		}
	}
	// Filter over the most recent records only.
	sort.Slice(sos, func(i, j int) bool { return sos[i].CreatedAt.After(sos[j].CreatedAt) })
	if len(sos) > nearbyScanLimit {
		sos = sos[:nearbyScanLimit]
	}

	nearby := geo.FilterNearby(sos, models.Location{Latitude: lat, Longitude: lng}, radius)

	records := make([]nearbyRecord, 0, len(nearby))
	for _, n := range nearby {
		records = append(records, nearbyRecord{
			sosRecord:  sosToRecord(n.Message),
			DistanceKm: n.DistanceKm,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(records),
		"messages": records,
	})
}
