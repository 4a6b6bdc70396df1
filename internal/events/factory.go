package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/alexzhou910/teamspace-events/internal/model"
)

// SchemaVersion is the envelope schema version stamped on every event.
const SchemaVersion = "1.0"

// ErrValidation is returned for malformed event input, before any write.
var ErrValidation = errors.New("invalid event input")

// RecordCreator is the slice of the store the factory needs.
type RecordCreator interface {
	Create(ctx context.Context, tx *gorm.DB, rec *model.EventRecord) error
}

// Option sets optional envelope metadata.
type Option func(*model.Metadata)

// WithCorrelationID sets metadata.correlationId explicitly, overriding any
// ambient value on the context.
func WithCorrelationID(id string) Option {
	return func(m *model.Metadata) { m.CorrelationID = id }
}

// WithCausationID links the event to the event that caused it.
func WithCausationID(id string) Option {
	return func(m *model.Metadata) { m.CausationID = id }
}

// WithUserID records the acting user on the envelope.
func WithUserID(id string) Option {
	return func(m *model.Metadata) { m.UserID = id }
}

// Factory builds event envelopes and persists them as outbox records through
// the caller's transaction handle, so the event commits atomically with the
// domain change it describes. Any persistence error propagates unchanged so
// the enclosing transaction aborts.
type Factory struct {
	store  RecordCreator
	source string
	log    *zap.SugaredLogger
}

// NewFactory constructs a Factory. source goes into metadata.source on every
// envelope, e.g. "teamspace-api".
func NewFactory(store RecordCreator, source string, logger *zap.SugaredLogger) *Factory {
	return &Factory{store: store, source: source, log: logger}
}

// WorkspaceCreated is the payload for workspace.created.
type WorkspaceCreated struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	OwnerID     string `json:"ownerId"`
}

// InviteCreated is the payload for workspace.invite.created.
type InviteCreated struct {
	InviteID    string `json:"inviteId"`
	WorkspaceID string `json:"workspaceId"`
	Email       string `json:"email"`
	InviterID   string `json:"inviterId"`
	Role        string `json:"role"`
}

// InviteAccepted is the payload for workspace.invite.accepted.
type InviteAccepted struct {
	InviteID    string `json:"inviteId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

// MemberJoined is the payload for workspace.member.joined.
type MemberJoined struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
}

// ChannelCreated is the payload for channel.created.
type ChannelCreated struct {
	ChannelID   string `json:"channelId"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	CreatorID   string `json:"creatorId"`
	Private     bool   `json:"private"`
}

// ChannelDeleted is the payload for channel.deleted.
type ChannelDeleted struct {
	ChannelID   string `json:"channelId"`
	WorkspaceID string `json:"workspaceId"`
	DeletedBy   string `json:"deletedBy"`
}

// ChannelMemberAdded is the payload for channel.member.added.
type ChannelMemberAdded struct {
	ChannelID   string `json:"channelId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	AddedBy     string `json:"addedBy"`
}

// MessagePosted is the payload for channel.message.posted.
type MessagePosted struct {
	MessageID   string `json:"messageId"`
	ChannelID   string `json:"channelId"`
	WorkspaceID string `json:"workspaceId"`
	AuthorID    string `json:"authorId"`
}

func (f *Factory) CreateWorkspaceCreatedEvent(ctx context.Context, tx *gorm.DB, data WorkspaceCreated, opts ...Option) (*model.EventRecord, error) {
	return f.create(ctx, tx, "workspace.created", "workspace", data.WorkspaceID, &data.WorkspaceID, nil, data, opts)
}

func (f *Factory) CreateInviteCreatedEvent(ctx context.Context, tx *gorm.DB, data InviteCreated, opts ...Option) (*model.EventRecord, error) {
	return f.create(ctx, tx, "workspace.invite.created", "invite", data.InviteID, &data.WorkspaceID, nil, data, opts)
}

func (f *Factory) CreateInviteAcceptedEvent(ctx context.Context, tx *gorm.DB, data InviteAccepted, opts ...Option) (*model.EventRecord, error) {
	return f.create(ctx, tx, "workspace.invite.accepted", "invite", data.InviteID, &data.WorkspaceID, nil, data, opts)
}

func (f *Factory) CreateMemberJoinedEvent(ctx context.Context, tx *gorm.DB, data MemberJoined, opts ...Option) (*model.EventRecord, error) {
	return f.create(ctx, tx, "workspace.member.joined", "workspace", data.WorkspaceID, &data.WorkspaceID, nil, data, opts)
}

func (f *Factory) CreateChannelCreatedEvent(ctx context.Context, tx *gorm.DB, data ChannelCreated, opts ...Option) (*model.EventRecord, error) {
	return f.create(ctx, tx, "channel.created", "channel", data.ChannelID, &data.WorkspaceID, &data.ChannelID, data, opts)
}

func (f *Factory) CreateChannelDeletedEvent(ctx context.Context, tx *gorm.DB, data ChannelDeleted, opts ...Option) (*model.EventRecord, error) {
	return f.create(ctx, tx, "channel.deleted", "channel", data.ChannelID, &data.WorkspaceID, &data.ChannelID, data, opts)
}

func (f *Factory) CreateChannelMemberAddedEvent(ctx context.Context, tx *gorm.DB, data ChannelMemberAdded, opts ...Option) (*model.EventRecord, error) {
	return f.create(ctx, tx, "channel.member.added", "channel", data.ChannelID, &data.WorkspaceID, &data.ChannelID, data, opts)
}

func (f *Factory) CreateMessagePostedEvent(ctx context.Context, tx *gorm.DB, data MessagePosted, opts ...Option) (*model.EventRecord, error) {
	return f.create(ctx, tx, "channel.message.posted", "message", data.MessageID, &data.WorkspaceID, &data.ChannelID, data, opts)
}

func (f *Factory) create(ctx context.Context, tx *gorm.DB, eventType, aggregateType, aggregateID string, workspaceID, channelID *string, data interface{}, opts []Option) (*model.EventRecord, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction handle is required", ErrValidation)
	}
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: aggregate id is required for %s", ErrValidation, eventType)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s data: %v", ErrValidation, eventType, err)
	}

	meta := model.Metadata{Source: f.source}
	for _, opt := range opts {
		opt(&meta)
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = CorrelationIDFrom(ctx)
	}
	if meta.UserID == "" {
		meta.UserID = UserIDFrom(ctx)
	}

	env := model.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Timestamp:     time.Now().UTC(),
		Version:       SchemaVersion,
		Data:          payload,
		Metadata:      meta,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s envelope: %v", ErrValidation, eventType, err)
	}

	rec := &model.EventRecord{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		WorkspaceID:   normalize(workspaceID),
		ChannelID:     normalize(channelID),
		EventType:     eventType,
		Payload:       string(body),
		Status:        model.StatusPending,
	}
	if err := f.store.Create(ctx, tx, rec); err != nil {
		return nil, err
	}
	f.log.Debugw("event recorded", "event_id", env.EventID, "type", eventType, "aggregate", aggregateID)
	return rec, nil
}

func normalize(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
