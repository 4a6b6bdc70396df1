package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/alexzhou910/teamspace-events/internal/model"
)

// EventStore is the slice of the store the worker needs. All batch methods
// run against the transaction handle the worker opened, so the skip-locked
// row locks and the status writes commit together.
type EventStore interface {
	FindPending(ctx context.Context, tx *gorm.DB, limit int) ([]model.EventRecord, error)
	FindFailedForRetry(ctx context.Context, tx *gorm.DB, maxAttempts, limit int) ([]model.EventRecord, error)
	MarkPublished(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

// Publisher is the broker surface the worker depends on.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Disconnect() error
}

// Config holds worker tuning knobs.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	RetrySweepEvery int // run a retry sweep every Nth poll; 0 disables
	ShutdownTimeout time.Duration
}

// PublisherWorker drains the outbox on a timer. Each poll locks a batch of
// rows, publishes them, and records per-row outcomes, all inside a single
// database transaction; committing releases the row locks atomically with
// the status writes. Multiple instances coordinate purely through the
// database's skip-locked reads.
type PublisherWorker struct {
	db     *gorm.DB
	store  EventStore
	broker Publisher
	log    *zap.SugaredLogger
	cfg    Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	polls   int
}

// NewPublisherWorker constructs a stopped worker.
func NewPublisherWorker(db *gorm.DB, store EventStore, broker Publisher, logger *zap.SugaredLogger, cfg Config) *PublisherWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &PublisherWorker{db: db, store: store, broker: broker, log: logger, cfg: cfg}
}

// Start schedules the poll loop and returns immediately. No-op when already
// running.
func (w *PublisherWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stop, w.done)
	w.log.Infow("publisher worker started",
		"poll_interval", w.cfg.PollInterval, "batch_size", w.cfg.BatchSize)
}

// Stop signals the loop, waits (bounded by the shutdown timeout) for any
// in-flight batch to finish, then disconnects the broker. If the timeout
// elapses first, shutdown proceeds anyway.
func (w *PublisherWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownTimeout):
		w.log.Warnw("shutdown timeout elapsed, forcing stop", "timeout", w.cfg.ShutdownTimeout)
	}
	if err := w.broker.Disconnect(); err != nil {
		w.log.Errorw("disconnect broker", "error", err)
	}
	w.log.Info("publisher worker stopped")
}

// IsRunning reports whether the poll loop is currently scheduled.
func (w *PublisherWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *PublisherWorker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.poll(stop)
		}
	}
}

func (w *PublisherWorker) poll(stop <-chan struct{}) {
	// a tick and the stop signal can be ready at once; the cancel wins so no
	// batch starts after Stop was requested
	select {
	case <-stop:
		return
	default:
	}

	ctx := context.Background()
	if _, err := w.ProcessBatch(ctx, false); err != nil {
		// whole-batch failure: locks were released on rollback, every row
		// stays pending and the next poll retries from scratch
		w.log.Errorw("process batch", "error", err)
	}

	select {
	case <-stop:
		return
	default:
	}

	w.polls++
	if w.cfg.RetrySweepEvery > 0 && w.polls%w.cfg.RetrySweepEvery == 0 {
		if _, err := w.ProcessBatch(ctx, true); err != nil {
			w.log.Errorw("retry sweep", "error", err)
		}
	}
}

// BatchResult summarizes one processed batch.
type BatchResult struct {
	Processed int
	Published int
	Failed    int
}

// ProcessBatch locks one batch (pending rows, or failed rows with retry
// budget when retry is true), publishes each row, and commits every outcome
// in the locking transaction. One bad row never aborts its siblings.
func (w *PublisherWorker) ProcessBatch(ctx context.Context, retry bool) (BatchResult, error) {
	var res BatchResult
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var (
			recs []model.EventRecord
			err  error
		)
		if retry {
			recs, err = w.store.FindFailedForRetry(ctx, tx, w.cfg.MaxAttempts, w.cfg.BatchSize)
		} else {
			recs, err = w.store.FindPending(ctx, tx, w.cfg.BatchSize)
		}
		if err != nil {
			return err
		}
		res.Processed = len(recs)
		for i := range recs {
			rec := &recs[i]
			if perr := w.broker.Publish(ctx, rec.EventType, []byte(rec.Payload)); perr != nil {
				w.log.Errorw("publish event",
					"id", rec.ID, "type", rec.EventType, "attempt", rec.FailedAttempts+1, "error", perr)
				if merr := w.store.MarkFailed(ctx, tx, rec.ID); merr != nil {
					return merr
				}
				res.Failed++
				continue
			}
			if merr := w.store.MarkPublished(ctx, tx, rec.ID); merr != nil {
				return merr
			}
			res.Published++
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	if res.Processed > 0 {
		w.log.Infow("batch processed",
			"retry", retry, "processed", res.Processed, "published", res.Published, "failed", res.Failed)
	}
	return res, nil
}
