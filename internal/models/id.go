package models

import (
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewMessageID assigns identity at authoring time. A ULID carries the
// compose timestamp plus 80 bits of entropy, so two nodes composing in
// the same millisecond still cannot collide. The id never changes after
// this call.
func NewMessageID() string {
	t := time.Now()
	entropy := ulid.Monotonic(mrand.New(mrand.NewSource(t.UnixNano())), 0)
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return fmt.Sprintf("msg_%s", id.String())
}

// NewLocationID ids a location-history point.
func NewLocationID() string {
	t := time.Now()
	entropy := ulid.Monotonic(mrand.New(mrand.NewSource(t.UnixNano())), 0)
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return fmt.Sprintf("loc_%s", id.String())
}

// NewEphemeralUserID names a node that has no configured identity.
// Anonymous senders still need a stable origin marker for the lifetime
// of the process.
func NewEphemeralUserID() string {
	return fmt.Sprintf("anon_%s", uuid.NewString())
}
