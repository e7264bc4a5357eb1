package models

import "time"

type Kind string

const (
	KindSOS   Kind = "sos"
	KindAlert Kind = "alert"
	KindChat  Kind = "chat"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type DeliveryState string

const (
	DeliveryNotAttempted DeliveryState = "not_attempted"
	DeliveryPending      DeliveryState = "pending"
	DeliveryDelivered    DeliveryState = "delivered"
	DeliveryFailed       DeliveryState = "failed"
	DeliveryAbandoned    DeliveryState = "abandoned"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Message is the unit of propagation. Author-supplied fields are
// immutable once the id is assigned; corrections are new messages.
// DeliveryState and ReceivedVia are node-local bookkeeping and never
// travel on the wire.
type Message struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	OriginUserID string    `json:"origin_user_id"`
	ToUserID     string    `json:"to_user_id,omitempty"`
	Payload      string    `json:"payload"`
	Location     *Location `json:"location,omitempty"`
	Severity     Severity  `json:"severity,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	DeliveryState map[string]DeliveryState `json:"-"`
	ReceivedVia   []string                 `json:"-"`
}

// Clone returns a deep copy so callers can hand messages across
// goroutines without sharing the local-state maps.
func (m *Message) Clone() *Message {
	c := *m
	if m.Location != nil {
		loc := *m.Location
		c.Location = &loc
	}
	if m.DeliveryState != nil {
		c.DeliveryState = make(map[string]DeliveryState, len(m.DeliveryState))
		for k, v := range m.DeliveryState {
			c.DeliveryState[k] = v
		}
	}
	if m.ReceivedVia != nil {
		c.ReceivedVia = append([]string(nil), m.ReceivedVia...)
	}
	return &c
}

// SeenVia reports whether the message has already been received through
// the given transport.
func (m *Message) SeenVia(transportID string) bool {
	for _, v := range m.ReceivedVia {
		if v == transportID {
			return true
		}
	}
	return false
}

type LocationPoint struct {
	ID         string    `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"recorded_at"`
}
