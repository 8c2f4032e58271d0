// Package worker holds background maintenance loops.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/pipeline/metrics"
)

// PrunerConfig controls the retention sweep.
type PrunerConfig struct {
	// Retention is how long submitted events are kept. Zero disables pruning.
	Retention time.Duration
	// Interval overrides the derived check interval.
	Interval time.Duration
	// BatchSize bounds each delete statement.
	BatchSize int
}

// Pruner deletes submitted events older than the retention period. Pending
// and failed events are never touched.
type Pruner struct {
	cfg     PrunerConfig
	repo    storage.EventRepository
	metrics metrics.Collector
	now     func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg PrunerConfig, repo storage.EventRepository, collector metrics.Collector) *Pruner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Pruner{
		cfg:     cfg,
		repo:    repo,
		metrics: collector,
		now:     time.Now,
	}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.Retention <= 0 {
		return // Retention disabled
	}

	interval := p.cfg.Interval
	if interval <= 0 {
		// 10% of retention, between one minute and one hour
		interval = min(p.cfg.Retention/10, 1*time.Hour)
		interval = max(interval, 1*time.Minute)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one sweep and returns the number of rows removed.
func (p *Pruner) Prune(ctx context.Context) int {
	cutoff := p.now().Add(-p.cfg.Retention)

	total := 0
	for ctx.Err() == nil {
		n, err := p.repo.DeleteSubmittedBefore(ctx, cutoff, p.cfg.BatchSize)
		if err != nil {
			slog.Error("Failed to prune submitted events", "cutoff", cutoff, "error", err)
			break
		}
		total += n
		if n < p.cfg.BatchSize {
			break
		}
	}

	if total > 0 {
		p.metrics.EventsPruned(total)
		slog.Info("Pruned submitted events", "count", total, "cutoff", cutoff)
	}
	return total
}
