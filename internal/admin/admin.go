package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/alexzhou910/teamspace-events/internal/model"
	"github.com/alexzhou910/teamspace-events/internal/store"
)

const (
	statsCacheKey = "outbox:stats"
	statsCacheTTL = 5 * time.Second
)

// Stats is a point-in-time count of outbox rows per lifecycle state. Failed
// is the number operators care about: it includes events that exhausted
// their retry budget and need manual attention.
type Stats struct {
	Pending   int64 `json:"pending"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// Service exposes the diagnostic reads of the outbox to the admin API. The
// redis cache only smooths repeated stat reads; it is never used to
// coordinate worker instances.
type Service struct {
	store *store.Store
	rdb   *redis.Client
	log   *zap.SugaredLogger
}

func NewService(st *store.Store, rdb *redis.Client, logger *zap.SugaredLogger) *Service {
	return &Service{store: st, rdb: rdb, log: logger}
}

// Stats returns row counts by status, served from a short-TTL cache.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, statsCacheKey).Result(); err == nil {
			var cached Stats
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return cached, nil
			}
		}
	}

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Pending:   counts[model.StatusPending],
		Published: counts[model.StatusPublished],
		Failed:    counts[model.StatusFailed],
	}

	if s.rdb != nil {
		raw, _ := json.Marshal(stats)
		if err := s.rdb.Set(ctx, statsCacheKey, raw, statsCacheTTL).Err(); err != nil {
			s.log.Warnw("cache stats", "error", err)
		}
	}
	return stats, nil
}

// EventsByAggregate lists every event recorded for one aggregate, oldest
// first.
func (s *Service) EventsByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]model.EventRecord, error) {
	return s.store.FindByAggregate(ctx, aggregateType, aggregateID)
}

// Cleanup deletes published rows older than maxAge and returns the count.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	return s.store.DeleteOldPublished(ctx, cutoff)
}
