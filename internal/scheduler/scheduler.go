package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/resqlink/resqlink/internal/models"
	"github.com/resqlink/resqlink/internal/store"
	"github.com/resqlink/resqlink/internal/transport"
)

// Config governs fan-out and retry behavior.
type Config struct {
	// MaxInFlight caps concurrent sends per transport.
	MaxInFlight int
	// SendTimeout bounds a single send attempt.
	SendTimeout time.Duration
	// BackoffBase doubles per failed attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxAttempts failures mark the pair abandoned until the transport
	// next transitions to available.
	MaxAttempts int
	// PollInterval drives the dispatch loop, AvailabilityPoll the
	// transport availability watcher.
	PollInterval     time.Duration
	AvailabilityPoll time.Duration
}

func (c *Config) fillDefaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.AvailabilityPoll <= 0 {
		c.AvailabilityPoll = time.Second
	}
}

// pendingDelivery tracks one (message, transport) pair. Entries live
// only in memory; a restart re-derives them from Message.DeliveryState.
type pendingDelivery struct {
	messageID     string
	collection    store.Collection
	transportID   string
	attemptCount  int
	nextAttemptAt time.Time
	lastError     string
	composedAt    time.Time
}

func pairKey(messageID, transportID string) string {
	return messageID + "|" + transportID
}

// Scheduler offers every accepted message to every known transport,
// retrying with capped exponential backoff and re-draining a transport
// when it comes back up. Attempts for distinct messages on a transport
// run concurrently; attempts for the same pair are strictly serialized.
type Scheduler struct {
	store      store.Store
	transports map[string]transport.Transport
	cfg        Config
	log        zerolog.Logger

	// Notify, when set, is called after a delivery-state change so the
	// owning node can publish a store-change event.
	Notify func(c store.Collection, messageID string)

	mu        sync.Mutex
	pending   map[string]*pendingDelivery
	inflight  map[string]bool
	lastAvail map[string]bool

	sems map[string]chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, s store.Store, transports []transport.Transport, log zerolog.Logger) *Scheduler {
	cfg.fillDefaults()

	byID := make(map[string]transport.Transport, len(transports))
	sems := make(map[string]chan struct{}, len(transports))
	lastAvail := make(map[string]bool, len(transports))
	for _, t := range transports {
		byID[t.ID()] = t
		sems[t.ID()] = make(chan struct{}, cfg.MaxInFlight)
		lastAvail[t.ID()] = t.Available()
	}

	return &Scheduler{
		store:      s,
		transports: byID,
		cfg:        cfg,
		log:        log,
		pending:    make(map[string]*pendingDelivery),
		inflight:   make(map[string]bool),
		lastAvail:  lastAvail,
		sems:       sems,
		stop:       make(chan struct{}),
	}
}

// Start recovers pending work from the store and launches the dispatch
// and availability loops.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.availabilityLoop(ctx)
	}()

	s.log.Info().Int("transports", len(s.transports)).Msg("propagation scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info().Msg("propagation scheduler stopped")
}

// recover re-derives pending deliveries from persisted delivery state.
// Abandoned pairs stay terminal; they come back only via a transport
// availability transition.
func (s *Scheduler) recover(ctx context.Context) error {
	for _, c := range []store.Collection{store.Alerts, store.Messages} {
		msgs, err := s.store.ListMessages(ctx, c)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			for id := range s.transports {
				switch m.DeliveryState[id] {
				case models.DeliveryDelivered, models.DeliveryAbandoned:
					continue
				}
				s.addPending(c, m, id, time.Time{})
			}
		}
	}
	return nil
}

// Enqueue offers a stored message to every transport. The pair state
// starts Pending immediately so the UI can observe progress.
func (s *Scheduler) Enqueue(ctx context.Context, c store.Collection, m *models.Message) {
	for id := range s.transports {
		if err := s.store.SetDeliveryState(ctx, c, m.ID, id, models.DeliveryPending); err != nil {
			s.log.Error().Err(err).Str("id", m.ID).Str("transport", id).Msg("failed to record pending state")
		}
		s.addPending(c, m, id, time.Time{})
		s.notify(c, m.ID)
	}
}

func (s *Scheduler) addPending(c store.Collection, m *models.Message, transportID string, next time.Time) {
	key := pairKey(m.ID, transportID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[key]; exists {
		return
	}
	s.pending[key] = &pendingDelivery{
		messageID:     m.ID,
		collection:    c,
		transportID:   transportID,
		nextAttemptAt: next,
		composedAt:    m.CreatedAt,
	}
}

// Cancel drops all pending deliveries for a message. In-flight sends
// finish on their own but their outcome is discarded.
func (s *Scheduler) Cancel(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.transports {
		delete(s.pending, pairKey(messageID, id))
	}
}

// PendingCount reports live pending pairs, used by tests and stats.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue launches attempts for every due pair, oldest compose
// first. A pair already in flight is skipped, which serializes repeat
// attempts of the same pair.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := make([]*pendingDelivery, 0, len(s.pending))
	for key, p := range s.pending {
		if s.inflight[key] || p.nextAttemptAt.After(now) {
			continue
		}
		due = append(due, p)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].composedAt.Before(due[j].composedAt) })
	s.mu.Unlock()

	for _, p := range due {
		t := s.transports[p.transportID]
		if !t.Available() {
			s.recordFailure(ctx, p, "transport unavailable")
			continue
		}

		select {
		case s.sems[p.transportID] <- struct{}{}:
		default:
			continue // transport at in-flight cap, pick it up next tick
		}

		key := pairKey(p.messageID, p.transportID)
		s.mu.Lock()
		s.inflight[key] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(p *pendingDelivery, t transport.Transport) {
			defer s.wg.Done()
			defer func() {
				<-s.sems[p.transportID]
				s.mu.Lock()
				delete(s.inflight, pairKey(p.messageID, p.transportID))
				s.mu.Unlock()
			}()
			s.attempt(ctx, p, t)
		}(p, t)
	}
}

func (s *Scheduler) attempt(ctx context.Context, p *pendingDelivery, t transport.Transport) {
	msg, err := s.store.GetMessage(ctx, p.collection, p.messageID)
	if err != nil {
		// Transient read failure; the pair stays pending and the next
		// tick retries.
		s.log.Error().Err(err).Str("id", p.messageID).Msg("store read failed before send")
		return
	}
	if msg == nil {
		// Deleted locally; drop the pair.
		s.Cancel(p.messageID)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	err = t.Send(sendCtx, msg)
	cancel()

	s.mu.Lock()
	_, stillWanted := s.pending[pairKey(p.messageID, p.transportID)]
	s.mu.Unlock()
	if !stillWanted {
		return // cancelled mid-flight, discard the outcome
	}

	if err == nil {
		s.mu.Lock()
		delete(s.pending, pairKey(p.messageID, p.transportID))
		s.mu.Unlock()
		if err := s.store.SetDeliveryState(ctx, p.collection, p.messageID, p.transportID, models.DeliveryDelivered); err != nil {
			s.log.Error().Err(err).Str("id", p.messageID).Msg("failed to record delivered state")
		}
		s.notify(p.collection, p.messageID)
		s.log.Info().Str("id", p.messageID).Str("transport", p.transportID).Msg("delivery succeeded")
		return
	}

	if errors.Is(err, transport.ErrAuth) {
		s.log.Warn().Str("transport", p.transportID).Msg("backend rejected credentials, sign in required")
	}
	s.recordFailure(ctx, p, err.Error())
}

// recordFailure transitions a pair to failed with backoff, or abandoned
// once the attempt cap is reached. Transport errors never escape the
// scheduler as errors; they become these transitions.
func (s *Scheduler) recordFailure(ctx context.Context, p *pendingDelivery, cause string) {
	key := pairKey(p.messageID, p.transportID)

	s.mu.Lock()
	p.attemptCount++
	p.lastError = cause
	abandoned := p.attemptCount >= s.cfg.MaxAttempts
	if abandoned {
		delete(s.pending, key)
	} else {
		p.nextAttemptAt = time.Now().Add(NextDelay(p.attemptCount, s.cfg.BackoffBase, s.cfg.BackoffMax))
	}
	s.mu.Unlock()

	state := models.DeliveryFailed
	if abandoned {
		state = models.DeliveryAbandoned
	}
	if err := s.store.SetDeliveryState(ctx, p.collection, p.messageID, p.transportID, state); err != nil {
		s.log.Error().Err(err).Str("id", p.messageID).Msg("failed to record delivery state")
	}
	s.notify(p.collection, p.messageID)

	if abandoned {
		s.log.Warn().
			Str("id", p.messageID).
			Str("transport", p.transportID).
			Int("attempts", p.attemptCount).
			Str("error", cause).
			Msg("delivery abandoned until transport recovers")
	} else {
		s.log.Info().
			Str("id", p.messageID).
			Str("transport", p.transportID).
			Int("attempt", p.attemptCount).
			Time("next_attempt", p.nextAttemptAt).
			Msg("delivery scheduled for retry")
	}
}

func (s *Scheduler) availabilityLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AvailabilityPoll)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAvailability(ctx)
		}
	}
}

func (s *Scheduler) checkAvailability(ctx context.Context) {
	for id, t := range s.transports {
		up := t.Available()
		s.mu.Lock()
		was := s.lastAvail[id]
		s.lastAvail[id] = up
		s.mu.Unlock()

		if up && !was {
			s.log.Info().Str("transport", id).Msg("transport recovered, re-draining")
			s.redrain(ctx, id)
		}
	}
}

// redrain re-queues every non-delivered pair for a recovered transport.
// Attempt counts reset so revived pairs retry from scratch.
func (s *Scheduler) redrain(ctx context.Context, transportID string) {
	for _, c := range []store.Collection{store.Alerts, store.Messages} {
		msgs, err := s.store.ListMessages(ctx, c)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to scan store for re-drain")
			continue
		}
		for _, m := range msgs {
			if m.DeliveryState[transportID] == models.DeliveryDelivered {
				continue
			}
			key := pairKey(m.ID, transportID)
			s.mu.Lock()
			if p, ok := s.pending[key]; ok {
				p.attemptCount = 0
				p.nextAttemptAt = time.Time{}
				s.mu.Unlock()
				continue
			}
			s.mu.Unlock()
			s.addPending(c, m, transportID, time.Time{})
		}
	}
}

func (s *Scheduler) notify(c store.Collection, id string) {
	if s.Notify != nil {
		s.Notify(c, id)
	}
}
