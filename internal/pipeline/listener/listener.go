// Package listener queues live chain events as they are delivered.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/chain"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/pipeline/metrics"
)

// Config holds listener settings.
type Config struct {
	// Signatures are the contract events to subscribe to.
	Signatures []string
	// Buffer bounds the number of delivered events waiting for insertion.
	Buffer int
}

// Listener subscribes to the chain and inserts every delivered event into the queue.
type Listener struct {
	cfg     Config
	source  chain.EventSource
	repo    storage.EventRepository
	metrics metrics.Collector
	now     func() time.Time
	log     *slog.Logger

	running atomic.Bool
	events  chan domain.RawEvent
	subs    []chain.Subscription
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Listener.
func New(
	cfg Config,
	source chain.EventSource,
	repo storage.EventRepository,
	collector metrics.Collector,
) *Listener {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Listener{
		cfg:     cfg,
		source:  source,
		repo:    repo,
		metrics: collector,
		now:     time.Now,
		log:     slog.Default().With("component", "listener"),
	}
}

// Start subscribes to every configured signature. A failed subscription is
// logged and skipped; missed blocks are recovered by reconciliation.
func (l *Listener) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("listener already running")
	}

	subCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.events = make(chan domain.RawEvent, l.cfg.Buffer)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	for _, sig := range l.cfg.Signatures {
		sub, err := l.source.Subscribe(subCtx, sig, l.events)
		if err != nil {
			l.log.Warn("Failed to subscribe", "event", sig, "error", err)
			continue
		}
		l.subs = append(l.subs, sub)
		l.wg.Add(1)
		go l.watch(sig, sub)
		l.log.Info("Subscribed", "event", sig)
	}

	// Store writes outlive ctx so buffered events can be drained on Stop.
	go l.run(context.WithoutCancel(ctx))
	return nil
}

// Stop tears down the subscriptions, inserts any buffered events and returns
// once the consumer has exited.
func (l *Listener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	l.cancel()
	l.wg.Wait()
	close(l.stop)
	<-l.done
	l.subs = nil
}

// Handle inserts a single delivered event. It is the body of the consumer loop.
func (l *Listener) Handle(ctx context.Context, raw domain.RawEvent) {
	if raw.ObservedAt.IsZero() {
		raw.ObservedAt = l.now()
	}

	inserted, err := l.repo.Insert(ctx, raw)
	if err != nil {
		l.metrics.IngestError(metrics.SourceLive)
		l.log.Error("Failed to queue event, it may be lost until reconciliation",
			"fingerprint", raw.Fingerprint,
			"block", raw.BlockNumber,
			"tx", raw.TransactionHash,
			"error", err,
		)
		return
	}
	if !inserted {
		l.metrics.EventDuplicate(metrics.SourceLive)
		l.log.Debug("Duplicate event", "fingerprint", raw.Fingerprint)
		return
	}

	l.metrics.EventIngested(metrics.SourceLive, raw.EventType)
	l.metrics.PendingAdded()
	l.log.Debug("Event queued",
		"fingerprint", raw.Fingerprint,
		"type", raw.EventType,
		"topic", raw.TopicID,
		"block", raw.BlockNumber,
	)
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case raw := <-l.events:
			l.Handle(ctx, raw)
		case <-l.stop:
			for {
				select {
				case raw := <-l.events:
					l.Handle(ctx, raw)
				default:
					return
				}
			}
		}
	}
}

// watch logs subscription errors until the subscription ends.
func (l *Listener) watch(sig string, sub chain.Subscription) {
	defer l.wg.Done()
	for err := range sub.Err() {
		if err != nil {
			l.log.Warn("Subscription error", "event", sig, "error", err)
		}
	}
}
