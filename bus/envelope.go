package bus

import (
	"time"

	"github.com/yaser2us/knoxpro-sub000/id"
)

// Envelope is a single event published on the bus. Envelopes are
// immutable once emitted; subscribers must not mutate the payload.
type Envelope struct {
	ID        id.EventID     `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEnvelope creates an envelope for the given event type with a fresh
// ID and UTC timestamp.
func NewEnvelope(typ string, payload map[string]any) *Envelope {
	return &Envelope{
		ID:        id.NewEventID(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// HistoryEntry records one published envelope together with the number
// of handlers it was delivered to.
type HistoryEntry struct {
	Envelope  *Envelope `json:"envelope"`
	Delivered int       `json:"delivered"`
}
