package transport

import (
	"context"
	"errors"

	"github.com/resqlink/resqlink/internal/models"
)

// Transport ids used throughout delivery-state maps.
const (
	IDBroadcast = "broadcast"
	IDMesh      = "mesh"
	IDBackend   = "backend"
)

var (
	// ErrUnavailable marks a transient failure; the scheduler turns it
	// into a backoff retry, never a surfaced error.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrAuth marks a rejected credential on the backend. Local-only
	// transports are not affected by it.
	ErrAuth = errors.New("authentication failed")
)

// InboundHandler is invoked once per distinct inbound delivery event.
// Transports do not dedup; the receiver side does.
type InboundHandler func(m *models.Message, transportID string)

// Transport is one best-effort delivery channel. Available must be
// cheap and non-blocking; Send may take up to its configured timeout.
type Transport interface {
	ID() string
	Available() bool
	Send(ctx context.Context, m *models.Message) error
	SubscribeInbound(h InboundHandler)
}

// Puller is implemented by transports that can also fetch remote state
// for reconciliation (the backend).
type Puller interface {
	FetchNearby(ctx context.Context, center models.Location, radiusKm float64) ([]*models.Message, error)
	FetchAll(ctx context.Context) (map[string][]*models.Message, error)
}
