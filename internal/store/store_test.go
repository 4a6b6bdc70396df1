package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/alexzhou910/teamspace-events/internal/logger"
	"github.com/alexzhou910/teamspace-events/internal/model"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.EventRecord{}))
	log, err := logger.NewLogger()
	require.NoError(t, err)
	return NewStore(db, log), db
}

func seedRecord(t *testing.T, db *gorm.DB, status model.EventStatus, producedAt time.Time) *model.EventRecord {
	t.Helper()
	rec := &model.EventRecord{
		ID:            uuid.New(),
		AggregateType: "channel",
		AggregateID:   uuid.NewString(),
		EventType:     "channel.created",
		Payload:       `{"eventId":"x"}`,
		Status:        status,
		ProducedAt:    producedAt,
	}
	require.NoError(t, db.Create(rec).Error)
	return rec
}

func TestCreate_Defaults(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	rec := &model.EventRecord{
		AggregateType: "workspace",
		AggregateID:   "ws-1",
		EventType:     "workspace.created",
		Payload:       `{}`,
	}
	require.NoError(t, st.Create(ctx, db, rec))

	assert.NotEqual(t, uuid.Nil, rec.ID)

	var loaded model.EventRecord
	require.NoError(t, db.First(&loaded, "id = ?", rec.ID).Error)
	assert.Equal(t, model.StatusPending, loaded.Status)
	assert.Equal(t, 0, loaded.FailedAttempts)
	assert.Nil(t, loaded.PublishedAt)
	assert.False(t, loaded.ProducedAt.IsZero())
}

func TestFindPending_OrderAndLimit(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	newest := seedRecord(t, db, model.StatusPending, base.Add(30*time.Minute))
	oldest := seedRecord(t, db, model.StatusPending, base)
	middle := seedRecord(t, db, model.StatusPending, base.Add(10*time.Minute))
	seedRecord(t, db, model.StatusPublished, base)
	seedRecord(t, db, model.StatusFailed, base)

	err := db.Transaction(func(tx *gorm.DB) error {
		recs, err := st.FindPending(ctx, tx, 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, oldest.ID, recs[0].ID)
		assert.Equal(t, middle.ID, recs[1].ID)

		all, err := st.FindPending(ctx, tx, 10)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, newest.ID, all[2].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestFindFailedForRetry_ExcludesExhausted(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	retryable := seedRecord(t, db, model.StatusFailed, now.Add(-2*time.Minute))
	exhausted := seedRecord(t, db, model.StatusFailed, now.Add(-time.Minute))
	require.NoError(t, db.Model(exhausted).Update("failed_attempts", 5).Error)
	seedRecord(t, db, model.StatusPending, now)

	err := db.Transaction(func(tx *gorm.DB) error {
		recs, err := st.FindFailedForRetry(ctx, tx, 5, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, retryable.ID, recs[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestMarkPublished(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	rec := seedRecord(t, db, model.StatusPending, time.Now().UTC())
	require.NoError(t, st.MarkPublished(ctx, db, rec.ID))

	var loaded model.EventRecord
	require.NoError(t, db.First(&loaded, "id = ?", rec.ID).Error)
	assert.Equal(t, model.StatusPublished, loaded.Status)
	require.NotNil(t, loaded.PublishedAt)
	first := *loaded.PublishedAt

	// second call is a no-op: publishedAt is set exactly once
	require.NoError(t, st.MarkPublished(ctx, db, rec.ID))
	require.NoError(t, db.First(&loaded, "id = ?", rec.ID).Error)
	assert.Equal(t, first, *loaded.PublishedAt)
}

func TestMarkPublished_NotFound(t *testing.T) {
	st, db := newTestStore(t)
	err := st.MarkPublished(context.Background(), db, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkFailed_MonotonicAttempts(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	rec := seedRecord(t, db, model.StatusPending, time.Now().UTC())
	for i := 1; i <= 3; i++ {
		require.NoError(t, st.MarkFailed(ctx, db, rec.ID))
		var loaded model.EventRecord
		require.NoError(t, db.First(&loaded, "id = ?", rec.ID).Error)
		assert.Equal(t, model.StatusFailed, loaded.Status)
		assert.Equal(t, i, loaded.FailedAttempts)
	}
}

func TestMarkFailed_NeverRevertsPublished(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	rec := seedRecord(t, db, model.StatusPending, time.Now().UTC())
	require.NoError(t, st.MarkPublished(ctx, db, rec.ID))
	require.NoError(t, st.MarkFailed(ctx, db, rec.ID))

	var loaded model.EventRecord
	require.NoError(t, db.First(&loaded, "id = ?", rec.ID).Error)
	assert.Equal(t, model.StatusPublished, loaded.Status)
	assert.Equal(t, 0, loaded.FailedAttempts)
}

func TestDeleteOldPublished(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := seedRecord(t, db, model.StatusPublished, now.Add(-96*time.Hour))
	oldAt := now.Add(-90 * time.Hour)
	require.NoError(t, db.Model(old).Update("published_at", &oldAt).Error)

	fresh := seedRecord(t, db, model.StatusPublished, now)
	freshAt := now
	require.NoError(t, db.Model(fresh).Update("published_at", &freshAt).Error)

	// pending and failed rows must survive any cutoff
	seedRecord(t, db, model.StatusPending, now.Add(-200*time.Hour))
	seedRecord(t, db, model.StatusFailed, now.Add(-200*time.Hour))

	deleted, err := st.DeleteOldPublished(ctx, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var count int64
	require.NoError(t, db.Model(&model.EventRecord{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestFindByAggregate(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	second := &model.EventRecord{
		ID: uuid.New(), AggregateType: "invite", AggregateID: "inv-1",
		EventType: "workspace.invite.accepted", Payload: `{}`,
		Status: model.StatusPending, ProducedAt: base.Add(time.Minute),
	}
	first := &model.EventRecord{
		ID: uuid.New(), AggregateType: "invite", AggregateID: "inv-1",
		EventType: "workspace.invite.created", Payload: `{}`,
		Status: model.StatusPublished, ProducedAt: base,
	}
	other := &model.EventRecord{
		ID: uuid.New(), AggregateType: "invite", AggregateID: "inv-2",
		EventType: "workspace.invite.created", Payload: `{}`,
		Status: model.StatusPending, ProducedAt: base,
	}
	require.NoError(t, db.Create(second).Error)
	require.NoError(t, db.Create(first).Error)
	require.NoError(t, db.Create(other).Error)

	recs, err := st.FindByAggregate(ctx, "invite", "inv-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first.ID, recs[0].ID)
	assert.Equal(t, second.ID, recs[1].ID)
}

func TestCountByStatus(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedRecord(t, db, model.StatusPending, now)
	seedRecord(t, db, model.StatusPending, now)
	seedRecord(t, db, model.StatusPublished, now)
	seedRecord(t, db, model.StatusFailed, now)

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.StatusPending])
	assert.Equal(t, int64(1), counts[model.StatusPublished])
	assert.Equal(t, int64(1), counts[model.StatusFailed])
}

func TestTranslateError(t *testing.T) {
	unique := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "event_outbox_pkey"}
	err := translateError(unique)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "event_outbox_pkey")

	// unknown aggregate reference surfaces as not-found
	fk := &pgconn.PgError{Code: pgForeignKeyViolation, ConstraintName: "fk_event_outbox_workspace"}
	assert.ErrorIs(t, translateError(fk), ErrNotFound)

	// wrapped driver errors translate too
	wrapped := fmt.Errorf("insert event: %w", unique)
	assert.ErrorIs(t, translateError(wrapped), ErrConflict)

	assert.ErrorIs(t, translateError(gorm.ErrRecordNotFound), ErrNotFound)

	// anything else passes through unchanged
	boom := errors.New("connection reset by peer")
	assert.Equal(t, boom, translateError(boom))
	other := &pgconn.PgError{Code: "42P01"}
	assert.Equal(t, error(other), translateError(other))
	assert.NoError(t, translateError(nil))
}
