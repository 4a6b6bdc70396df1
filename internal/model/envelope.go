package model

import (
	"encoding/json"
	"time"
)

// Envelope is the uniform wire format every consumer parses, regardless of
// the domain event kind carried in Data.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       string          `json:"version"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata carries tracing and attribution fields for an envelope.
type Metadata struct {
	Source        string `json:"source"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
}
