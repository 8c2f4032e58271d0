package submitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Scheduler drives Engine.Tick at a fixed interval.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler for engine.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		log:      slog.Default().With("component", "scheduler"),
	}
}

// Start begins ticking. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	s.log.Info("Submission scheduler started", "interval", s.interval)
}

// Stop cancels future ticks and waits for the current one to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.engine.Wait()
	s.log.Info("Submission scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.Tick(ctx); err != nil {
				if errors.Is(err, ErrTickInProgress) {
					s.log.Debug("Skipping tick, previous still running")
					continue
				}
				s.log.Error("Tick failed", "error", err)
			}
		}
	}
}
