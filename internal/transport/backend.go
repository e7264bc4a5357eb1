package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/resqlink/resqlink/internal/models"
)

// BackendConfig shapes the HTTP sync transport.
type BackendConfig struct {
	BaseURL      string
	Token        string
	SendTimeout  time.Duration
	ProbeTimeout time.Duration
	ProbeTTL     time.Duration
}

// Backend is the network-sync transport: push over POST, pull over the
// nearby/admin queries. Availability is the cached result of the last
// health probe.
type Backend struct {
	cfg    BackendConfig
	client *http.Client
	probe  *http.Client
	log    zerolog.Logger

	mu        sync.Mutex
	lastProbe time.Time
	healthy   bool
	probing   bool

	handlerMu sync.RWMutex
	handlers  []InboundHandler
}

func NewBackend(cfg BackendConfig, log zerolog.Logger) *Backend {
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ProbeTTL == 0 {
		cfg.ProbeTTL = 15 * time.Second
	}
	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.SendTimeout},
		probe:  &http.Client{Timeout: cfg.ProbeTimeout},
		log:    log,
	}
}

func (b *Backend) ID() string { return IDBackend }

// Available returns the last known health-probe result without ever
// touching the network: callers sit on the dispatch path and must not
// wait out a probe timeout against a blackholed link. A stale result
// kicks off at most one background refresh per ProbeTTL.
func (b *Backend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.lastProbe) >= b.cfg.ProbeTTL && !b.probing {
		b.probing = true
		go b.refreshHealth()
	}
	return b.healthy
}

func (b *Backend) refreshHealth() {
	up := b.probeHealth()
	b.mu.Lock()
	b.healthy = up
	b.lastProbe = time.Now()
	b.probing = false
	b.mu.Unlock()
}

func (b *Backend) probeHealth() bool {
	resp, err := b.probe.Get(b.cfg.BaseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode == http.StatusOK
}

// SubscribeInbound registers a handler for pulled records. The backend
// has no push channel; pull results are fanned out through the same
// inbound path the radio transports use.
func (b *Backend) SubscribeInbound(h InboundHandler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Backend) emitInbound(m *models.Message) {
	b.handlerMu.RLock()
	handlers := b.handlers
	b.handlerMu.RUnlock()
	for _, h := range handlers {
		h(m, IDBackend)
	}
}

// sosWire mirrors POST /api/sos. The id field is additive: the server
// honors a client-assigned id and only mints one for legacy callers.
type sosWire struct {
	ID        string  `json:"id,omitempty"`
	UserID    string  `json:"userId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
}

type chatWire struct {
	ID        string `json:"id,omitempty"`
	FromUser  string `json:"fromUser"`
	ToUser    string `json:"toUser"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (b *Backend) Send(ctx context.Context, m *models.Message) error {
	var path string
	var body interface{}

	switch m.Kind {
	case models.KindChat:
		path = "/api/chat/sync"
		body = map[string]interface{}{
			"messages": []chatWire{{
				ID:        m.ID,
				FromUser:  m.OriginUserID,
				ToUser:    m.ToUserID,
				Message:   m.Payload,
				Timestamp: m.CreatedAt.UnixMilli(),
			}},
		}
	default:
		// Alerts ride the SOS route: the reduced wire shape carries no
		// kind, so peers pulling this record back reconstruct it as an
		// SOS with critical severity.
		path = "/api/sos"
		w := sosWire{
			ID:        m.ID,
			UserID:    m.OriginUserID,
			Message:   m.Payload,
			Timestamp: m.CreatedAt.UnixMilli(),
		}
		if m.Location != nil {
			w.Lat = m.Location.Latitude
			w.Lng = m.Location.Longitude
		}
		body = w
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.markUnhealthy()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

func (b *Backend) markUnhealthy() {
	b.mu.Lock()
	b.healthy = false
	b.lastProbe = time.Now()
	b.mu.Unlock()
}

type nearbyWire struct {
	ID         string  `json:"id"`
	UserID     string  `json:"userId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Message    string  `json:"message"`
	Timestamp  int64   `json:"timestamp"`
	DistanceKm float64 `json:"distanceKm"`
}

// FetchNearby pulls SOS records within radiusKm of center. Pulled
// records flow through the inbound handlers so the receiver-side dedup
// applies to them exactly as it does to radio deliveries.
func (b *Backend) FetchNearby(ctx context.Context, center models.Location, radiusKm float64) ([]*models.Message, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%g", center.Latitude))
	q.Set("lng", fmt.Sprintf("%g", center.Longitude))
	q.Set("radius", fmt.Sprintf("%g", radiusKm))

	var wire struct {
		Count    int          `json:"count"`
		Messages []nearbyWire `json:"messages"`
	}
	if err := b.getJSON(ctx, "/api/sos/nearby?"+q.Encode(), &wire); err != nil {
		return nil, err
	}

	msgs := make([]*models.Message, 0, len(wire.Messages))
	for _, w := range wire.Messages {
		m := sosFromWire(w.ID, w.UserID, w.Lat, w.Lng, w.Message, w.Timestamp)
		msgs = append(msgs, m)
		b.emitInbound(m)
	}
	return msgs, nil
}

// FetchAll pulls every collection for admin/debug use.
func (b *Backend) FetchAll(ctx context.Context) (map[string][]*models.Message, error) {
	var wire struct {
		SOS  []nearbyWire `json:"sos"`
		Chat []chatWire   `json:"chat"`
	}
	if err := b.getJSON(ctx, "/api/admin/messages", &wire); err != nil {
		return nil, err
	}

	out := map[string][]*models.Message{}
	for _, w := range wire.SOS {
		m := sosFromWire(w.ID, w.UserID, w.Lat, w.Lng, w.Message, w.Timestamp)
		out["sos"] = append(out["sos"], m)
		b.emitInbound(m)
	}
	for _, w := range wire.Chat {
		m := &models.Message{
			ID:           w.ID,
			Kind:         models.KindChat,
			OriginUserID: w.FromUser,
			ToUserID:     w.ToUser,
			Payload:      w.Message,
			CreatedAt:    time.UnixMilli(w.Timestamp).UTC(),
		}
		out["chat"] = append(out["chat"], m)
		b.emitInbound(m)
	}
	return out, nil
}

func (b *Backend) getJSON(ctx context.Context, path string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.markUnhealthy()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// sosFromWire reconstructs a propagation record from the reduced SOS
// wire shape. SOS carries Critical severity by convention.
func sosFromWire(id, userID string, lat, lng float64, payload string, ts int64) *models.Message {
	return &models.Message{
		ID:           id,
		Kind:         models.KindSOS,
		OriginUserID: userID,
		Payload:      payload,
		Location:     &models.Location{Latitude: lat, Longitude: lng},
		Severity:     models.SeverityCritical,
		CreatedAt:    time.UnixMilli(ts).UTC(),
	}
}
