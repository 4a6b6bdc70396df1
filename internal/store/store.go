package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alexzhou910/teamspace-events/internal/model"
)

// ErrNotFound is returned when a record (or a referenced aggregate) does not exist.
var ErrNotFound = errors.New("event record not found")

// ErrConflict is returned on a unique-constraint violation.
var ErrConflict = errors.New("event record already exists")

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store is the single access path to the event_outbox table. Batch reads use
// FOR UPDATE SKIP LOCKED so that horizontally scaled worker instances each
// lock a disjoint subset of the queue with no other coordination.
type Store struct {
	db         *gorm.DB
	log        *zap.SugaredLogger
	rowLocking bool
}

// NewStore constructs a Store. Row locking is only emitted for dialects that
// support FOR UPDATE; sqlite (used by unit tests) does not.
func NewStore(db *gorm.DB, logger *zap.SugaredLogger) *Store {
	return &Store{
		db:         db,
		log:        logger,
		rowLocking: db.Dialector.Name() == "postgres",
	}
}

// DB returns the underlying handle, used by callers to open transactions.
func (s *Store) DB(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }

// Create inserts a new record with status=pending inside the caller's
// transaction, so the event commits or rolls back with the domain write.
func (s *Store) Create(ctx context.Context, tx *gorm.DB, rec *model.EventRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = model.StatusPending
	}
	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		return translateError(err)
	}
	return nil
}

// FindPending locks up to limit pending rows, oldest first. Must be called
// inside an open transaction; rows already locked by another instance are
// skipped instead of blocked on.
func (s *Store) FindPending(ctx context.Context, tx *gorm.DB, limit int) ([]model.EventRecord, error) {
	var recs []model.EventRecord
	q := tx.WithContext(ctx).
		Where("status = ?", model.StatusPending).
		Order("produced_at").
		Limit(limit)
	if s.rowLocking {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, translateError(err)
	}
	return recs, nil
}

// FindFailedForRetry locks failed rows that still have retry budget, with the
// same skip-locked semantics as FindPending. Rows at or past maxAttempts are
// left for manual inspection.
func (s *Store) FindFailedForRetry(ctx context.Context, tx *gorm.DB, maxAttempts, limit int) ([]model.EventRecord, error) {
	var recs []model.EventRecord
	q := tx.WithContext(ctx).
		Where("status = ? AND failed_attempts < ?", model.StatusFailed, maxAttempts).
		Order("produced_at").
		Limit(limit)
	if s.rowLocking {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, translateError(err)
	}
	return recs, nil
}

// MarkPublished sets status=published and stamps publishedAt once. It must
// run in the same transaction that locked the row; committing the status in a
// different transaction would reopen the race the lock prevents.
func (s *Store) MarkPublished(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	now := time.Now().UTC()
	res := tx.WithContext(ctx).
		Model(&model.EventRecord{}).
		Where("id = ? AND status <> ?", id, model.StatusPublished).
		Updates(map[string]interface{}{
			"status":       model.StatusPublished,
			"published_at": &now,
		})
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return s.checkExists(ctx, tx, id)
	}
	return nil
}

// MarkFailed sets status=failed and increments failedAttempts by exactly one.
// A published row is never moved back to failed.
func (s *Store) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	res := tx.WithContext(ctx).
		Model(&model.EventRecord{}).
		Where("id = ? AND status <> ?", id, model.StatusPublished).
		Updates(map[string]interface{}{
			"status":          model.StatusFailed,
			"failed_attempts": gorm.Expr("failed_attempts + 1"),
		})
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return s.checkExists(ctx, tx, id)
	}
	return nil
}

// DeleteOldPublished bulk-deletes published rows older than cutoff. Pending
// and failed rows are never touched. Runs outside the processing transaction.
func (s *Store) DeleteOldPublished(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND published_at < ?", model.StatusPublished, cutoff).
		Delete(&model.EventRecord{})
	if res.Error != nil {
		return 0, translateError(res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Debugw("deleted old published events", "count", res.RowsAffected, "cutoff", cutoff)
	}
	return res.RowsAffected, nil
}

// FindByAggregate is a diagnostic read of every event for one aggregate,
// oldest first.
func (s *Store) FindByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]model.EventRecord, error) {
	var recs []model.EventRecord
	err := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Order("produced_at").
		Find(&recs).Error
	if err != nil {
		return nil, translateError(err)
	}
	return recs, nil
}

// CountByStatus returns row counts grouped by lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error) {
	type row struct {
		Status model.EventStatus
		Total  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&model.EventRecord{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, translateError(err)
	}
	counts := map[model.EventStatus]int64{
		model.StatusPending:   0,
		model.StatusPublished: 0,
		model.StatusFailed:    0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

func (s *Store) checkExists(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&model.EventRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return translateError(err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// translateError maps driver errors onto the store's sentinel errors.
func translateError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
