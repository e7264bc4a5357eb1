package models

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrValidation = errors.New("validation failed")

const (
	MaxSOSPayload  = 280
	MaxChatPayload = 500
	MaxSyncBatch   = 100
	MaxLocations   = 100
)

// Validate checks the author-supplied fields against the schema for the
// message kind. Records that fail here are never persisted and never
// relayed onward.
func Validate(m *Message) error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if m.OriginUserID == "" {
		return fmt.Errorf("%w: missing origin user", ErrValidation)
	}
	if m.CreatedAt.IsZero() || m.CreatedAt.Unix() <= 0 {
		return fmt.Errorf("%w: timestamp must be positive", ErrValidation)
	}
	if m.Payload == "" {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}

	// Payload limits count characters, not bytes; a multi-byte script
	// gets the same room as ASCII.
	switch m.Kind {
	case KindSOS:
		if utf8.RuneCountInString(m.Payload) > MaxSOSPayload {
			return fmt.Errorf("%w: sos payload exceeds %d chars", ErrValidation, MaxSOSPayload)
		}
		if m.Location == nil {
			return fmt.Errorf("%w: sos requires a location", ErrValidation)
		}
		if err := validateSeverity(m.Severity); err != nil {
			return err
		}
	case KindAlert:
		if utf8.RuneCountInString(m.Payload) > MaxSOSPayload {
			return fmt.Errorf("%w: alert payload exceeds %d chars", ErrValidation, MaxSOSPayload)
		}
		if err := validateSeverity(m.Severity); err != nil {
			return err
		}
	case KindChat:
		if utf8.RuneCountInString(m.Payload) > MaxChatPayload {
			return fmt.Errorf("%w: chat payload exceeds %d chars", ErrValidation, MaxChatPayload)
		}
		if m.ToUserID == "" {
			return fmt.Errorf("%w: chat requires a recipient", ErrValidation)
		}
		if m.Severity != "" {
			return fmt.Errorf("%w: chat carries no severity", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, m.Kind)
	}

	if m.Location != nil {
		if err := ValidateCoords(m.Location.Latitude, m.Location.Longitude); err != nil {
			return err
		}
	}
	return nil
}

func validateSeverity(s Severity) error {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	case "":
		return fmt.Errorf("%w: severity is required", ErrValidation)
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, s)
	}
}

// ValidateCoords bounds-checks a coordinate pair.
func ValidateCoords(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude out of range", ErrValidation)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude out of range", ErrValidation)
	}
	return nil
}
