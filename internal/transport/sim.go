package transport

import (
	"context"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/resqlink/resqlink/internal/models"
)

// Hub wires simulated radios together in one process. Every Sim joined
// to a hub is a reachable peer of every other; there is no discovery
// and no receipt acknowledgment, matching the broadcast contract.
type Hub struct {
	mu    sync.RWMutex
	peers []*Sim
}

func NewHub() *Hub { return &Hub{} }

func (h *Hub) join(s *Sim) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = append(h.peers, s)
}

func (h *Hub) peersOf(s *Sim) []*Sim {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Sim, 0, len(h.peers))
	for _, p := range h.peers {
		if p != s {
			out = append(out, p)
		}
	}
	return out
}

// SimConfig tunes the simulated radio. DropRate is the probability in
// [0,1] that a frame is silently lost in transit.
type SimConfig struct {
	TransportID string
	Latency     time.Duration
	DropRate    float64
	Seed        int64
}

// Sim is a deterministic stand-in for a short-range radio (broadcast or
// mesh role, set by TransportID). It lets the scheduler's retry and
// drain logic run without hardware.
type Sim struct {
	cfg SimConfig
	hub *Hub
	log zerolog.Logger

	mu        sync.RWMutex
	available bool
	rng       *mrand.Rand
	handlers  []InboundHandler
}

func NewSim(cfg SimConfig, hub *Hub, log zerolog.Logger) *Sim {
	s := &Sim{
		cfg:       cfg,
		hub:       hub,
		log:       log,
		available: true,
		rng:       mrand.New(mrand.NewSource(cfg.Seed)),
	}
	hub.join(s)
	return s
}

func (s *Sim) ID() string { return s.cfg.TransportID }

func (s *Sim) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// SetAvailable flips the radio on or off, driving availability-change
// re-drains in tests and demos.
func (s *Sim) SetAvailable(v bool) {
	s.mu.Lock()
	s.available = v
	s.mu.Unlock()
}

func (s *Sim) SubscribeInbound(h InboundHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Sim) deliver(m *models.Message) {
	s.mu.RLock()
	up := s.available
	handlers := s.handlers
	s.mu.RUnlock()
	if !up {
		return
	}
	for _, h := range handlers {
		h(m.Clone(), s.cfg.TransportID)
	}
}

// Send fans the message out to all connected peers. A send with the
// radio off fails; per-frame drops succeed from the sender's view, the
// peer just never hears it.
func (s *Sim) Send(ctx context.Context, m *models.Message) error {
	if !s.Available() {
		return fmt.Errorf("%w: radio off", ErrUnavailable)
	}

	if s.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(s.cfg.Latency):
		}
	}

	for _, peer := range s.hub.peersOf(s) {
		s.mu.Lock()
		dropped := s.rng.Float64() < s.cfg.DropRate
		s.mu.Unlock()
		if dropped {
			s.log.Debug().Str("transport", s.cfg.TransportID).Str("id", m.ID).Msg("frame dropped in transit")
			continue
		}
		peer.deliver(m)
	}
	return nil
}
