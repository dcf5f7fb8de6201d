package kafka

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CurrentEventVersion is stamped on every envelope produced by this module.
const CurrentEventVersion = 1

var (
	errMissingEventID   = errors.New("event_id is required")
	errMissingEventType = errors.New("event_type is required")
	errBadEventVersion  = errors.New("event_version must be positive")
	errMissingTimestamp = errors.New("timestamp is required")
)

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewEnvelope stamps a random event id. Use NewEnvelopeWithID when replays must dedupe.
func NewEnvelope(eventType, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, correlationID)
}

func NewEnvelopeWithID(eventID, eventType, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  CurrentEventVersion,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DeterministicEventID derives a stable id from parts so the same logical event
// always maps to the same id.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

// EventTypeName is used by producers to set the event_type record header.
func (e Envelope) EventTypeName() string { return e.EventType }

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errMissingEventID
	case e.EventType == "":
		return errMissingEventType
	case e.EventVersion <= 0:
		return errBadEventVersion
	case e.Timestamp.IsZero():
		return errMissingTimestamp
	}
	return nil
}
