package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetentionStore is the slice of the store the sweeper needs.
type RetentionStore interface {
	DeleteOldPublished(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionSweeper periodically deletes published rows older than the
// configured retention age. Pending and failed rows are never touched, so a
// permanently failed event stays visible for operators.
type RetentionSweeper struct {
	store    RetentionStore
	log      *zap.SugaredLogger
	interval time.Duration
	maxAge   time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRetentionSweeper constructs a stopped sweeper.
func NewRetentionSweeper(store RetentionStore, logger *zap.SugaredLogger, interval, maxAge time.Duration) *RetentionSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	return &RetentionSweeper{store: store, log: logger, interval: interval, maxAge: maxAge}
}

// Start schedules the sweep loop; no-op when already running.
func (s *RetentionSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	s.log.Infow("retention sweeper started", "interval", s.interval, "max_age", s.maxAge)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *RetentionSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *RetentionSweeper) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				s.log.Errorw("retention sweep", "error", err)
			}
		}
	}
}

// Sweep deletes published rows past the retention age and returns the count.
func (s *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	n, err := s.store.DeleteOldPublished(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Infow("retention sweep deleted rows", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
