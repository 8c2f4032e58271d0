// Package reconcile backfills events the live subscription missed.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/chain"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/pipeline/metrics"
	"github.com/vietddude/relay/internal/pipeline/retry"
)

// Config holds reconciliation settings.
type Config struct {
	Signatures []string
	// Timeout bounds a single pass.
	Timeout time.Duration
	// Interval re-runs reconciliation periodically; zero runs it at startup only.
	Interval time.Duration
	// Backoff applies to chain reads.
	Backoff retry.BackoffConfig
}

// Result describes one pass.
type Result struct {
	From     uint64
	To       uint64
	Fetched  int
	Inserted int
	Skipped  bool
}

// Reconciler queries the chain for [watermark+1, head] and queues anything unknown.
type Reconciler struct {
	cfg     Config
	source  chain.EventSource
	repo    storage.EventRepository
	meta    storage.MetadataRepository
	metrics metrics.Collector
	log     *slog.Logger

	mu sync.Mutex
}

// New creates a Reconciler.
func New(
	cfg Config,
	source chain.EventSource,
	repo storage.EventRepository,
	meta storage.MetadataRepository,
	collector metrics.Collector,
) *Reconciler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = retry.DefaultBackoff()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Reconciler{
		cfg:     cfg,
		source:  source,
		repo:    repo,
		meta:    meta,
		metrics: collector,
		log:     slog.Default().With("component", "reconcile"),
	}
}

// Watermark returns the highest observed block. Callers that start live
// ingestion should read it first and pass it to RunFrom, so a live event
// cannot move the watermark past a gap.
func (r *Reconciler) Watermark(ctx context.Context) (uint64, error) {
	return r.repo.HighestObservedBlock(ctx)
}

// Run reconciles from the current watermark.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	watermark, err := r.Watermark(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return r.RunFrom(ctx, watermark)
}

// RunFrom reconciles (watermark, head]. It is safe to re-run at any time.
func (r *Reconciler) RunFrom(ctx context.Context, watermark uint64) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var head uint64
	err := retry.Do(ctx, r.cfg.Backoff, func(ctx context.Context) error {
		var err error
		head, err = r.source.CurrentBlockHeight(ctx)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to read chain head: %w", err)
	}

	r.metrics.SetWatermark(watermark)
	r.metrics.SetChainHead(head)

	if head <= watermark+1 {
		r.log.Debug("Nothing to reconcile", "watermark", watermark, "head", head)
		return Result{From: watermark, To: head, Skipped: true}, nil
	}

	res := Result{From: watermark + 1, To: head}
	r.log.Info("Reconciling", "from", res.From, "to", res.To, "blocks", res.To-res.From+1)

	// Every signature is fetched before anything is queued. A partial insert
	// would lift the watermark over the ranges of the signatures that failed.
	var fetched []domain.RawEvent
	for _, sig := range r.cfg.Signatures {
		var events []domain.RawEvent
		err := retry.Do(ctx, r.cfg.Backoff, func(ctx context.Context) error {
			var err error
			events, err = r.source.QueryRange(ctx, sig, res.From, res.To)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("failed to query %s [%d, %d]: %w", sig, res.From, res.To, err)
		}
		fetched = append(fetched, events...)
	}
	res.Fetched = len(fetched)

	// Oldest first, so a store error mid-pass keeps the watermark at or below
	// the first event not yet queued.
	sort.SliceStable(fetched, func(i, j int) bool {
		if fetched[i].BlockNumber != fetched[j].BlockNumber {
			return fetched[i].BlockNumber < fetched[j].BlockNumber
		}
		return fetched[i].LogIndex < fetched[j].LogIndex
	})

	for _, ev := range fetched {
		inserted, err := r.queue(ctx, ev)
		if err != nil {
			return res, err
		}
		if inserted {
			res.Inserted++
		}
	}

	if r.meta != nil {
		if err := r.meta.Set(ctx, storage.MetaLastReconciledBlock, strconv.FormatUint(head, 10)); err != nil {
			r.log.Warn("Failed to record reconciled block", "block", head, "error", err)
		}
	}

	r.metrics.ReconcileCompleted(res.From, res.To, res.Inserted)
	r.log.Info("Reconciliation complete",
		"from", res.From,
		"to", res.To,
		"fetched", res.Fetched,
		"inserted", res.Inserted,
	)
	return res, nil
}

func (r *Reconciler) queue(ctx context.Context, ev domain.RawEvent) (bool, error) {
	exists, err := r.repo.Exists(ctx, ev.Fingerprint)
	if err != nil {
		r.metrics.IngestError(metrics.SourceBackfill)
		return false, fmt.Errorf("failed to check %s: %w", ev.Fingerprint, err)
	}
	if exists {
		r.metrics.EventDuplicate(metrics.SourceBackfill)
		return false, nil
	}

	inserted, err := r.repo.Insert(ctx, ev)
	if err != nil {
		r.metrics.IngestError(metrics.SourceBackfill)
		return false, fmt.Errorf("failed to queue %s: %w", ev.Fingerprint, err)
	}
	if !inserted {
		// Lost a race with the listener.
		r.metrics.EventDuplicate(metrics.SourceBackfill)
		return false, nil
	}

	r.metrics.EventIngested(metrics.SourceBackfill, ev.EventType)
	r.metrics.PendingAdded()
	return true, nil
}

// lastReconciled returns the block recorded by the previous pass, or false.
func (r *Reconciler) lastReconciled(ctx context.Context) (uint64, bool) {
	if r.meta == nil {
		return 0, false
	}
	value, ok, err := r.meta.Get(ctx, storage.MetaLastReconciledBlock)
	if err != nil || !ok {
		return 0, false
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return block, true
}

// Start re-runs reconciliation every Interval until ctx is cancelled. Each
// pass starts after the block reached by the previous one, which also covers
// gaps that sit below a later live event.
func (r *Reconciler) Start(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			from, ok := r.lastReconciled(ctx)
			if !ok {
				var err error
				if from, err = r.Watermark(ctx); err != nil {
					r.log.Error("Failed to read watermark", "error", err)
					continue
				}
			}
			if _, err := r.RunFrom(ctx, from); err != nil {
				r.log.Error("Periodic reconciliation failed", "error", err)
			}
		}
	}
}
