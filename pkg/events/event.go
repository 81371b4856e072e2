// Package events defines the event record and the typed event contracts for
// the whole krill runtime. Every event flowing through the bus MUST use one
// of the Type constants declared here. No ad-hoc untyped event names.
package events

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Priority
// ---------------------------------------------------------------------------

// Priority orders handlers registered for the same event type. Lower values
// sort first. It is a sort key only: dispatch is concurrent, so priority
// affects iteration and result order, never relative completion time.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid returns true for the four defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ---------------------------------------------------------------------------
// Event envelope
// ---------------------------------------------------------------------------

// Event is the universal record describing something that happened. It is
// created immediately before publish and must be treated as read-only
// afterward; the bus retains it only in its bounded history buffer.
type Event struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type is the stable routing key (e.g. "message.received"). Never
	// empty and never mutated after construction.
	Type string `json:"type"`

	// Payload carries event-specific data. Opaque to the bus.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// CreatedAt is when the event was constructed (UTC).
	CreatedAt time.Time `json:"created_at"`

	// UserID identifies the originating user, when there is one.
	UserID string `json:"user_id,omitempty"`

	// ConversationID identifies the originating conversation or chat.
	ConversationID string `json:"conversation_id,omitempty"`

	// Priority is immutable after construction.
	Priority Priority `json:"priority"`

	// Metadata holds free-form routing hints and annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// New creates an event of the given type with a fresh ID, UTC timestamp and
// normal priority.
func New(eventType string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
}

// NewWithPriority creates an event with an explicit priority.
func NewWithPriority(eventType string, payload map[string]interface{}, priority Priority) *Event {
	e := New(eventType, payload)
	e.Priority = priority
	return e
}

// PayloadString returns a payload value as a string, or "" when the key is
// absent or not a string.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// Meta returns a metadata value, or "" if not present.
func (e *Event) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// SetMeta writes a metadata key. Initializes the map if nil. Intended for
// use by the publisher and middleware before dispatch; events must not be
// mutated once handed to handlers.
func (e *Event) SetMeta(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// Clone returns a shallow copy with independent payload and metadata maps.
// Middleware that rewrites an event should clone it rather than mutate the
// published instance.
func (e *Event) Clone() *Event {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
