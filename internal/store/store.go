package store

import (
	"context"

	"github.com/resqlink/resqlink/internal/models"
)

// Collection names the logical record groups a node persists. Alerts
// holds SOS and alert kinds, Messages holds chat.
type Collection string

const (
	Messages Collection = "messages"
	Alerts   Collection = "alerts"
)

// CollectionFor routes a message kind to its collection.
func CollectionFor(kind models.Kind) Collection {
	if kind == models.KindChat {
		return Messages
	}
	return Alerts
}

// Store is the single shared mutable resource across components. Writes
// are immediately visible to subsequent reads on the same node; List
// returns records in insertion order.
type Store interface {
	PutMessage(ctx context.Context, c Collection, m *models.Message) error
	GetMessage(ctx context.Context, c Collection, id string) (*models.Message, error)
	ListMessages(ctx context.Context, c Collection) ([]*models.Message, error)
	RemoveMessage(ctx context.Context, c Collection, id string) error
	Clear(ctx context.Context, c Collection) error

	// KnownIDs seeds the dedup engine's id index after a restart.
	KnownIDs(ctx context.Context) (map[string]Collection, error)

	// Local-only flags. Only these fields of a stored message may change.
	SetDeliveryState(ctx context.Context, c Collection, id, transportID string, state models.DeliveryState) error
	AddReceivedVia(ctx context.Context, c Collection, id, transportID string) error

	AppendLocation(ctx context.Context, p *models.LocationPoint) error
	ListLocations(ctx context.Context) ([]*models.LocationPoint, error)
	ClearLocations(ctx context.Context) error

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	RemoveSetting(ctx context.Context, key string) error
	ListSettings(ctx context.Context) (map[string]string, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Recognized settings keys. Unknown keys are stored as-is; these are the
// ones the app surfaces.
const (
	SettingDarkMode             = "darkMode"
	SettingBluetoothEnabled     = "bluetoothEnabled"
	SettingWifiEnabled          = "wifiEnabled"
	SettingLocationEnabled      = "locationEnabled"
	SettingNotificationsEnabled = "notificationsEnabled"
	SettingEmergencyContacts    = "emergencyContacts"
)
