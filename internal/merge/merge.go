package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/resqlink/resqlink/internal/geo"
	"github.com/resqlink/resqlink/internal/models"
	"github.com/resqlink/resqlink/internal/store"
	"github.com/resqlink/resqlink/internal/transport"
)

// View returns the canonical ordered view of a set of messages: unioned,
// deduplicated by id, newest first, ties broken by id so the order is
// deterministic across nodes. Author clocks are not trusted, so this is
// best-effort freshness; out-of-order arrival only affects display
// position.
func View(sets ...[]*models.Message) []*models.Message {
	seen := make(map[string]bool)
	var out []*models.Message
	for _, set := range sets {
		for _, m := range set {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Nearby is the proximity view of SOS messages: filtered to radiusKm
// around center and sorted closest-first. It is a distinct ordering
// from the chronological View; both are UI surfaces.
func Nearby(msgs []*models.Message, center models.Location, radiusKm float64) []geo.Nearby {
	return geo.FilterNearby(msgs, center, radiusKm)
}

// Engine reconciles local state with records pulled from the backend.
// The backend is just another peer: pulled records pass through the same
// accept path as radio deliveries, no special-cased server truth.
type Engine struct {
	store  store.Store
	puller transport.Puller
}

func NewEngine(s store.Store, p transport.Puller) *Engine {
	return &Engine{store: s, puller: p}
}

// Canonical reads a collection and returns its canonical view.
func (e *Engine) Canonical(ctx context.Context, c store.Collection) ([]*models.Message, error) {
	msgs, err := e.store.ListMessages(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c, err)
	}
	return View(msgs), nil
}

// PullNearby asks the backend for SOS traffic around center. Acceptance
// and persistence happen via the puller's inbound handlers; the return
// value reports how many records the backend offered.
func (e *Engine) PullNearby(ctx context.Context, center models.Location, radiusKm float64) (int, error) {
	if e.puller == nil {
		return 0, nil
	}
	msgs, err := e.puller.FetchNearby(ctx, center, radiusKm)
	if err != nil {
		return 0, fmt.Errorf("pull nearby: %w", err)
	}
	return len(msgs), nil
}
