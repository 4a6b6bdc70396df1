package model

import (
	"time"

	"github.com/google/uuid"
)

// EventStatus is the lifecycle state of an outbox event record.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusPublished EventStatus = "published"
	StatusFailed    EventStatus = "failed"
)

// IsValid reports whether s is a known lifecycle state.
func (s EventStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusPublished, StatusFailed:
		return true
	default:
		return false
	}
}

// EventRecord is one row of the transactional outbox. It is written in the
// same database transaction as the domain change it describes and later
// published to the broker by the publisher worker. Payload holds the full
// JSON envelope and is never mutated after creation.
type EventRecord struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey"`
	AggregateType  string      `gorm:"size:64;not null;index:idx_event_aggregate,priority:1"`
	AggregateID    string      `gorm:"size:64;not null;index:idx_event_aggregate,priority:2"`
	WorkspaceID    *string     `gorm:"size:64;index"`
	ChannelID      *string     `gorm:"size:64;index"`
	EventType      string      `gorm:"size:128;not null"`
	Payload        string      `gorm:"type:jsonb;not null"`
	Status         EventStatus `gorm:"size:16;not null;default:'pending';index:idx_event_status_produced,priority:1"`
	FailedAttempts int         `gorm:"not null;default:0"`
	ProducedAt     time.Time   `gorm:"not null;autoCreateTime;index:idx_event_status_produced,priority:2"`
	PublishedAt    *time.Time
}

func (EventRecord) TableName() string { return "event_outbox" }
