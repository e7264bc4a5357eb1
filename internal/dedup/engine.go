package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/resqlink/resqlink/internal/models"
	"github.com/resqlink/resqlink/internal/store"
)

// Outcome classifies a delivery event.
type Outcome int

const (
	New Outcome = iota
	Duplicate
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	default:
		return "invalid"
	}
}

// Engine assigns acceptance decisions to messages arriving from any
// source. Identity is the message id; the check-then-insert over the id
// index is serialized so concurrent transports cannot both accept the
// same inbound id as new.
type Engine struct {
	store store.Store
	log   zerolog.Logger

	mu    sync.Mutex
	known map[string]store.Collection
}

func NewEngine(ctx context.Context, s store.Store, log zerolog.Logger) (*Engine, error) {
	known, err := s.KnownIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed id index: %w", err)
	}
	return &Engine{store: s, log: log, known: known}, nil
}

// Accept decides the fate of a message seen via the given transport
// ("local" for freshly composed messages). New messages are validated
// and persisted write-ahead; duplicates only gain a ReceivedVia entry;
// invalid messages are dropped and never relayed. On a non-nil error
// the message was not stored; errors wrapping models.ErrValidation are
// schema rejections, anything else is a store write failure the caller
// must surface.
func (e *Engine) Accept(ctx context.Context, m *models.Message, via string) (Outcome, error) {
	if err := models.Validate(m); err != nil {
		e.log.Warn().Err(err).Str("via", via).Msg("rejected invalid message")
		return Invalid, err
	}

	c := store.CollectionFor(m.Kind)

	e.mu.Lock()
	if prev, ok := e.known[m.ID]; ok {
		e.mu.Unlock()
		if err := e.store.AddReceivedVia(ctx, prev, m.ID, via); err != nil {
			return Duplicate, fmt.Errorf("record received_via: %w", err)
		}
		e.log.Debug().Str("id", m.ID).Str("via", via).Msg("duplicate delivery suppressed")
		return Duplicate, nil
	}
	e.known[m.ID] = c
	e.mu.Unlock()

	m.ReceivedVia = appendUnique(m.ReceivedVia, via)
	if m.DeliveryState == nil {
		m.DeliveryState = map[string]models.DeliveryState{}
	}

	if err := e.store.PutMessage(ctx, c, m); err != nil {
		// The write never landed; forget the id so a redelivery can
		// retry the insert.
		e.mu.Lock()
		delete(e.known, m.ID)
		e.mu.Unlock()
		return Invalid, fmt.Errorf("persist message: %w", err)
	}

	e.log.Info().Str("id", m.ID).Str("kind", string(m.Kind)).Str("via", via).Msg("accepted message")
	return New, nil
}

// Known reports whether an id has been accepted on this node.
func (e *Engine) Known(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.known[id]
	return ok
}

// Forget drops ids from the index after their records are removed from
// the store (history cleared, retention sweep).
func (e *Engine) Forget(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.known, id)
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
