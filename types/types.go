// Package types contains the data structures shared by every component of the
// sync engine: the synchronized Record, the ChangeEvent wire format and the
// durable OutboxEntry.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Source identifies which store last wrote a record.
type Source string

const (
	// SourcePrimary is the document store
	SourcePrimary Source = "primary"

	// SourceSecondary is the key/value store
	SourceSecondary Source = "secondary"
)

// Op is the mutation type carried by a ChangeEvent
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// DefaultEntity is the entity name used when none is configured
const DefaultEntity = "user"

var (
	ErrMalformedPayload = errors.New("unable to decode change event payload")

	ErrMissingEventID = errors.New("eventId cannot be empty")
	ErrMissingEntity  = errors.New("entity cannot be empty")
	ErrMissingKey     = errors.New("id cannot be empty")
	ErrMissingData    = errors.New("data cannot be nil for create/update events")
	ErrInvalidOp      = errors.New("op must be one of create, update, delete")
	ErrInvalidSource  = errors.New("source must be one of primary, secondary")
)

// Record is one logical copy of the synchronized entity. The natural key
// doubles as the document id in the primary store and as the key suffix in
// the secondary store.
type Record struct {
	Key       string                 `json:"key" bson:"_id"`
	Payload   map[string]interface{} `json:"payload" bson:"payload"`
	UpdatedAt int64                  `json:"updatedAt" bson:"updatedAt"`
	Source    Source                 `json:"source" bson:"source"`
	Version   int64                  `json:"version" bson:"version"`
}

// ChangeEvent is an immutable fact describing one committed mutation. Field
// names and JSON tags are the wire contract - do not change them.
type ChangeEvent struct {
	EventID   string  `json:"eventId" bson:"eventId"`
	Entity    string  `json:"entity" bson:"entity"`
	Op        Op      `json:"op" bson:"op"`
	Key       string  `json:"id" bson:"id"`
	Data      *Record `json:"data" bson:"data"`
	UpdatedAt int64   `json:"updatedAt" bson:"updatedAt"`
	Version   int64   `json:"version" bson:"version"`
	Source    Source  `json:"source" bson:"source"`
}

// OutboxStatus is the delivery state of an OutboxEntry
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEntry wraps a ChangeEvent that could not be published live. Entries
// are stored in the primary store and drained by the outbox relay.
type OutboxEntry struct {
	ChangeEvent   `bson:",inline"`
	Status        OutboxStatus `bson:"status"`
	RetryCount    int          `bson:"retryCount"`
	CreatedAt     time.Time    `bson:"createdAt"`
	LastAttemptAt *time.Time   `bson:"lastAttemptAt,omitempty"`
}

// NewEventID derives the idempotency key for an event. Versions are
// monotonic per key on both write paths, which keeps the id unique per
// logical mutation.
func NewEventID(source Source, key string, version int64) string {
	return fmt.Sprintf("%s:%s:%d", source, key, version)
}

// Validate ensures an event satisfies the wire contract. A validation
// failure is a malformed-payload condition, not a retryable error.
func (e *ChangeEvent) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}

	if e.Entity == "" {
		return ErrMissingEntity
	}

	if e.Key == "" {
		return ErrMissingKey
	}

	switch e.Op {
	case OpCreate, OpUpdate:
		if e.Data == nil {
			return ErrMissingData
		}
	case OpDelete:
	default:
		return ErrInvalidOp
	}

	if e.Source != SourcePrimary && e.Source != SourceSecondary {
		return ErrInvalidSource
	}

	return nil
}

// Marshal serializes the event for the transport
func (e *ChangeEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "unable to serialize change event")
	}

	return data, nil
}

// UnmarshalChangeEvent decodes and validates a wire payload. Any failure is
// wrapped in ErrMalformedPayload so consumers can apply the poison-message
// policy without inspecting the cause.
func UnmarshalChangeEvent(data []byte) (*ChangeEvent, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrMalformedPayload, "empty payload")
	}

	event := &ChangeEvent{}

	if err := json.Unmarshal(data, event); err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}

	if err := event.Validate(); err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}

	return event, nil
}
