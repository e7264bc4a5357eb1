package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/resqlink/resqlink/internal/dedup"
	"github.com/resqlink/resqlink/internal/geo"
	"github.com/resqlink/resqlink/internal/merge"
	"github.com/resqlink/resqlink/internal/models"
	"github.com/resqlink/resqlink/internal/scheduler"
	"github.com/resqlink/resqlink/internal/store"
	"github.com/resqlink/resqlink/internal/transport"
)

// ErrStoreWrite means the compose never reached durable storage; the
// caller must not assume the message was sent.
var ErrStoreWrite = errors.New("store write failed")

// ErrValidation re-exports the schema failure for UI callers.
var ErrValidation = models.ErrValidation

const localOrigin = "local"

// Config shapes a device node.
type Config struct {
	UserID string
	// PullInterval drives periodic backend reconciliation; zero
	// disables the loop.
	PullInterval time.Duration
	// PullRadiusKm bounds the nearby pull around the last recorded
	// location.
	PullRadiusKm float64
	// ChatTTL drops chat messages older than this during retention
	// sweeps; zero disables age-based pruning.
	ChatTTL time.Duration
	// MaxStored caps each collection; oldest records beyond the cap are
	// pruned. Zero disables the cap.
	MaxStored     int
	SweepInterval time.Duration
	Scheduler     scheduler.Config
}

// Event notifies subscribers of a store change.
type Event struct {
	Collection store.Collection
	MessageID  string
	Op         string // "added", "updated", "cleared"
}

// Node is the device-side facade: compose goes in, store-change events
// come out, and the transports do their work in the background.
type Node struct {
	cfg    Config
	store  store.Store
	dedup  *dedup.Engine
	sched  *scheduler.Scheduler
	merger *merge.Engine
	log    zerolog.Logger

	subMu sync.RWMutex
	subs  []func(Event)

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(ctx context.Context, cfg Config, s store.Store, transports []transport.Transport, log zerolog.Logger) (*Node, error) {
	if cfg.UserID == "" {
		cfg.UserID = models.NewEphemeralUserID()
	}
	if cfg.PullRadiusKm <= 0 {
		cfg.PullRadiusKm = 5
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	engine, err := dedup.NewEngine(ctx, s, log)
	if err != nil {
		return nil, fmt.Errorf("init dedup engine: %w", err)
	}

	var puller transport.Puller
	for _, t := range transports {
		if p, ok := t.(transport.Puller); ok {
			puller = p
		}
	}

	n := &Node{
		cfg:    cfg,
		store:  s,
		dedup:  engine,
		merger: merge.NewEngine(s, puller),
		log:    log,
		stop:   make(chan struct{}),
	}

	n.sched = scheduler.New(cfg.Scheduler, s, transports, log)
	n.sched.Notify = func(c store.Collection, id string) {
		n.emit(Event{Collection: c, MessageID: id, Op: "updated"})
	}

	for _, t := range transports {
		t.SubscribeInbound(n.handleInbound)
	}

	return n, nil
}

func (n *Node) UserID() string { return n.cfg.UserID }

func (n *Node) Start(ctx context.Context) error {
	if err := n.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if n.cfg.PullInterval > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.pullLoop(ctx)
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sweepLoop(ctx)
	}()

	n.log.Info().Str("user_id", n.cfg.UserID).Msg("node started")
	return nil
}

func (n *Node) Stop() {
	close(n.stop)
	n.sched.Stop()
	n.wg.Wait()
	n.log.Info().Msg("node stopped")
}

// Subscribe registers a store-change listener. Handlers run on internal
// goroutines and must not block.
func (n *Node) Subscribe(fn func(Event)) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *Node) emit(ev Event) {
	n.subMu.RLock()
	subs := n.subs
	n.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// --- Compose ---

// ComposeSOS authors an SOS at the given location. The call returns as
// soon as the write-ahead persist succeeds; transport fan-out proceeds
// in the background, observable through DeliveryState.
func (n *Node) ComposeSOS(ctx context.Context, payload string, loc models.Location, severity models.Severity) (*models.Message, error) {
	if severity == "" {
		severity = models.SeverityCritical
	}
	return n.compose(ctx, &models.Message{
		Kind:     models.KindSOS,
		Payload:  payload,
		Location: &loc,
		Severity: severity,
	})
}

func (n *Node) ComposeAlert(ctx context.Context, payload string, severity models.Severity, loc *models.Location) (*models.Message, error) {
	return n.compose(ctx, &models.Message{
		Kind:     models.KindAlert,
		Payload:  payload,
		Location: loc,
		Severity: severity,
	})
}

func (n *Node) ComposeChat(ctx context.Context, toUser, payload string) (*models.Message, error) {
	return n.compose(ctx, &models.Message{
		Kind:     models.KindChat,
		ToUserID: toUser,
		Payload:  payload,
	})
}

func (n *Node) compose(ctx context.Context, m *models.Message) (*models.Message, error) {
	m.ID = models.NewMessageID()
	m.OriginUserID = n.cfg.UserID
	m.CreatedAt = time.Now().UTC()

	outcome, err := n.dedup.Accept(ctx, m, localOrigin)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if outcome != dedup.New {
		// A freshly minted id can only be new; anything else is a bug.
		return nil, fmt.Errorf("%w: compose dedup outcome %s", ErrStoreWrite, outcome)
	}

	c := store.CollectionFor(m.Kind)
	n.emit(Event{Collection: c, MessageID: m.ID, Op: "added"})
	n.sched.Enqueue(ctx, c, m)
	return m.Clone(), nil
}

// --- Inbound ---

// handleInbound runs once per inbound delivery event on any transport.
// New messages are persisted and relayed onward over every transport;
// duplicates only gain a ReceivedVia entry.
func (n *Node) handleInbound(m *models.Message, via string) {
	ctx := context.Background()
	outcome, err := n.dedup.Accept(ctx, m, via)
	if err != nil && !errors.Is(err, models.ErrValidation) {
		n.log.Error().Err(err).Str("via", via).Msg("inbound accept failed")
		return
	}
	if outcome != dedup.New {
		return
	}
	c := store.CollectionFor(m.Kind)
	n.emit(Event{Collection: c, MessageID: m.ID, Op: "added"})
	n.sched.Enqueue(ctx, c, m)
}

// --- Views ---

// Feed returns the canonical chronological view of a collection.
func (n *Node) Feed(ctx context.Context, c store.Collection) ([]*models.Message, error) {
	return n.merger.Canonical(ctx, c)
}

// NearbySOS filters cached SOS messages by great-circle distance,
// closest first. Boundary distance counts as inside.
func (n *Node) NearbySOS(ctx context.Context, center models.Location, radiusKm float64) ([]geo.Nearby, error) {
	msgs, err := n.store.ListMessages(ctx, store.Alerts)
	if err != nil {
		return nil, err
	}
	sos := msgs[:0]
	for _, m := range msgs {
		if m.Kind == models.KindSOS {
			sos = append(sos, m)
		}
	}
	return merge.Nearby(sos, center, radiusKm), nil
}

// --- Location history ---

func (n *Node) RecordLocation(ctx context.Context, lat, lng float64) error {
	if err := models.ValidateCoords(lat, lng); err != nil {
		return err
	}
	return n.store.AppendLocation(ctx, &models.LocationPoint{
		ID:         models.NewLocationID(),
		Latitude:   lat,
		Longitude:  lng,
		RecordedAt: time.Now().UTC(),
	})
}

// --- Maintenance ---

// ClearMessages wipes a collection, cancelling any pending sends for
// its records.
func (n *Node) ClearMessages(ctx context.Context, c store.Collection) error {
	msgs, err := n.store.ListMessages(ctx, c)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		n.sched.Cancel(m.ID)
		ids = append(ids, m.ID)
	}
	if err := n.store.Clear(ctx, c); err != nil {
		return err
	}
	n.dedup.Forget(ids...)
	n.emit(Event{Collection: c, Op: "cleared"})
	return nil
}

func (n *Node) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.pullOnce(ctx)
		}
	}
}

func (n *Node) pullOnce(ctx context.Context) {
	points, err := n.store.ListLocations(ctx)
	if err != nil || len(points) == 0 {
		return
	}
	last := points[len(points)-1]
	center := models.Location{Latitude: last.Latitude, Longitude: last.Longitude}

	count, err := n.merger.PullNearby(ctx, center, n.cfg.PullRadiusKm)
	if err != nil {
		n.log.Debug().Err(err).Msg("backend pull skipped")
		return
	}
	n.log.Debug().Int("offered", count).Msg("backend pull completed")
}

func (n *Node) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sweep(ctx)
		}
	}
}

// sweep applies retention: chat older than ChatTTL goes, then each
// collection is trimmed oldest-first to MaxStored.
func (n *Node) sweep(ctx context.Context) {
	if n.cfg.ChatTTL > 0 {
		cutoff := time.Now().Add(-n.cfg.ChatTTL)
		msgs, err := n.store.ListMessages(ctx, store.Messages)
		if err == nil {
			for _, m := range msgs {
				if m.CreatedAt.Before(cutoff) {
					n.remove(ctx, store.Messages, m.ID)
				}
			}
		}
	}

	if n.cfg.MaxStored > 0 {
		for _, c := range []store.Collection{store.Alerts, store.Messages} {
			msgs, err := n.store.ListMessages(ctx, c)
			if err != nil {
				continue
			}
			for len(msgs) > n.cfg.MaxStored {
				n.remove(ctx, c, msgs[0].ID)
				msgs = msgs[1:]
			}
		}
	}
}

func (n *Node) remove(ctx context.Context, c store.Collection, id string) {
	n.sched.Cancel(id)
	if err := n.store.RemoveMessage(ctx, c, id); err != nil {
		n.log.Error().Err(err).Str("id", id).Msg("retention removal failed")
		return
	}
	n.dedup.Forget(id)
}

// --- Settings ---

// DefaultSettings mirror the app's recognized keys.
var DefaultSettings = map[string]string{
	store.SettingDarkMode:             "true",
	store.SettingBluetoothEnabled:     "true",
	store.SettingWifiEnabled:          "true",
	store.SettingLocationEnabled:      "true",
	store.SettingNotificationsEnabled: "true",
	store.SettingEmergencyContacts:    "[]",
}

// Settings returns stored settings with defaults filled in for unset
// recognized keys.
func (n *Node) Settings(ctx context.Context) (map[string]string, error) {
	stored, err := n.store.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(DefaultSettings))
	for k, v := range DefaultSettings {
		out[k] = v
	}
	for k, v := range stored {
		out[k] = v
	}
	return out, nil
}

func (n *Node) SetSetting(ctx context.Context, key, value string) error {
	return n.store.SetSetting(ctx, key, value)
}
