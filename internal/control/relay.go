package control

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/relay/internal/core/config"
	"github.com/vietddude/relay/internal/core/worker"
	"github.com/vietddude/relay/internal/infra/chain"
	"github.com/vietddude/relay/internal/infra/chain/evm"
	"github.com/vietddude/relay/internal/infra/consensus"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/pipeline/health"
	"github.com/vietddude/relay/internal/pipeline/listener"
	"github.com/vietddude/relay/internal/pipeline/metrics"
	"github.com/vietddude/relay/internal/pipeline/reconcile"
	"github.com/vietddude/relay/internal/pipeline/retry"
	"github.com/vietddude/relay/internal/pipeline/submitter"
)

// Option overrides a dependency NewRelay would otherwise build from config.
type Option func(*deps)

type deps struct {
	source    chain.EventSource
	confirmer chain.Confirmer
	sink      consensus.Sink
}

// WithSource uses src instead of dialing chain.rpc_url.
func WithSource(src chain.EventSource) Option {
	return func(d *deps) { d.source = src }
}

// WithConfirmer uses c for on-chain acknowledgements.
func WithConfirmer(c chain.Confirmer) Option {
	return func(d *deps) { d.confirmer = c }
}

// WithSink uses s instead of the configured sink.
func WithSink(s consensus.Sink) Option {
	return func(d *deps) { d.sink = s }
}

// Relay is the main application struct that manages the relay lifecycle.
type Relay struct {
	cfg          *config.AppConfig
	store        *Store
	collector    *metrics.Prometheus
	sink         consensus.Sink
	client       *ethclient.Client
	listener     *listener.Listener
	reconciler   *reconcile.Reconciler
	engine       *submitter.Engine
	scheduler    *submitter.Scheduler
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	log          *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRelay creates a Relay with all dependencies initialized.
func NewRelay(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*Relay, error) {
	d := &deps{}
	for _, opt := range opts {
		opt(d)
	}

	r := &Relay{
		cfg:       cfg,
		collector: metrics.NewPrometheus(),
		log:       slog.Default().With("component", "relay"),
	}

	// 1. Storage
	store, err := OpenStore(ctx, cfg.Database, storage.Options{
		MaxRetries:   cfg.Relay.MaxRetries,
		GenesisBlock: cfg.Chain.GenesisBlock,
	})
	if err != nil {
		return nil, err
	}
	r.store = store

	instanceID, err := store.InstanceID(ctx)
	if err != nil {
		r.close()
		return nil, err
	}
	r.log = r.log.With("instance", instanceID)

	// 2. Chain
	if d.source == nil {
		if err := r.dialChain(ctx, d); err != nil {
			r.close()
			return nil, err
		}
	}

	// 3. Sink
	r.sink = d.sink
	if r.sink == nil {
		r.sink, err = consensus.New(ctx, cfg.Sink)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("failed to init sink: %w", err)
		}
	}

	// 4. Pipeline
	signatures := cfg.Chain.Signatures()
	r.listener = listener.New(
		listener.Config{Signatures: signatures, Buffer: cfg.Relay.ListenerBuffer},
		d.source, store.Events, r.collector,
	)
	r.reconciler = reconcile.New(
		reconcile.Config{
			Signatures: signatures,
			Timeout:    cfg.Relay.ReconcileTimeout,
			Interval:   cfg.Relay.ReconcileInterval,
		},
		d.source, store.Events, store.Meta, r.collector,
	)
	r.engine = submitter.NewEngine(
		submitter.Config{
			BatchSize:     cfg.Relay.BatchSize,
			SubmitTimeout: cfg.Relay.SubmitTimeout,
			Source:        instanceID,
		},
		store.Events, r.sink, retry.NewPolicy(cfg.Relay.MaxRetries), d.confirmer, r.collector,
	)
	r.scheduler = submitter.NewScheduler(r.engine, cfg.Relay.TickInterval)
	r.pruner = worker.NewPruner(
		worker.PrunerConfig{Retention: cfg.Relay.Retention, Interval: cfg.Relay.PruneInterval},
		store.Events, r.collector,
	)

	// 5. Health
	r.healthMon = health.NewMonitor(store.Events, d.source, r.engine, health.DefaultThresholds())
	r.healthServer = health.NewServer(r.healthMon, cfg.Server.Port, r.collector.Registry())

	return r, nil
}

func (r *Relay) dialChain(ctx context.Context, d *deps) error {
	cc := r.cfg.Chain

	contractABI, err := evm.LoadABI(cc.ABIPath)
	if err != nil {
		return err
	}

	client, err := ethclient.DialContext(ctx, cc.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to dial chain: %w", err)
	}
	r.client = client

	contract := common.HexToAddress(cc.Contract)
	d.source = evm.NewSource(client, evm.SourceConfig{
		Contract:     contract,
		ABI:          contractABI,
		Topics:       cc.Topics(),
		DefaultTopic: cc.DefaultTopic,
		QueryRange:   cc.QueryRange,
	})

	if cc.Confirmation.Enabled && d.confirmer == nil {
		d.confirmer, err = evm.NewConfirmer(client, evm.ConfirmerConfig{
			Contract:   contract,
			ABI:        contractABI,
			Method:     cc.Confirmation.Method,
			PrivateKey: cc.Confirmation.PrivateKey,
			ChainID:    big.NewInt(cc.Confirmation.ChainID),
		})
		if err != nil {
			return err
		}
	}

	r.log.Info("Connected to chain", "contract", contract.Hex(), "events", len(cc.Events))
	return nil
}

// Start brings the relay up: live ingestion first, then reconciliation of
// the gap since the last run, then submission.
func (r *Relay) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	r.group = g

	// Start Health Server
	g.Go(func() error {
		if err := r.healthServer.Start(); err != nil {
			r.log.Error("Health server failed", "error", err)
		}
		return nil
	})

	// Start DB Metrics Collector
	if r.store.DB != nil {
		r.store.DB.StartMetricsCollector(gctx, r.collector)
	}

	// The watermark is read before live events can move it.
	watermark, err := r.reconciler.Watermark(runCtx)
	if err != nil {
		r.abortStart()
		return fmt.Errorf("failed to read watermark: %w", err)
	}

	if err := r.listener.Start(runCtx); err != nil {
		r.abortStart()
		return err
	}

	if _, err := r.reconciler.RunFrom(runCtx, watermark); err != nil {
		// Live ingestion continues; the next pass covers the gap.
		r.log.Error("Startup reconciliation failed", "watermark", watermark, "error", err)
	}

	r.scheduler.Start(runCtx)

	g.Go(func() error {
		r.reconciler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		r.pruner.Start(gctx)
		return nil
	})

	r.log.Info("Relay started",
		"port", r.cfg.Server.Port,
		"batch_size", r.cfg.Relay.BatchSize,
		"tick_interval", r.cfg.Relay.TickInterval,
		"max_retries", r.cfg.Relay.MaxRetries,
	)
	return nil
}

// abortStart tears down what Start launched before it failed.
func (r *Relay) abortStart() {
	r.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.healthServer.Stop(ctx); err != nil {
		r.log.Warn("Failed to stop health server", "error", err)
	}
	_ = r.group.Wait()
	r.cancel, r.group = nil, nil
}

// Stop shuts the relay down. The tick in flight and buffered live events are
// completed before the store is closed.
func (r *Relay) Stop(ctx context.Context) error {
	r.log.Info("Stopping relay...")

	r.scheduler.Stop()
	r.listener.Stop()

	if r.cancel != nil {
		r.cancel()
	}
	if err := r.healthServer.Stop(ctx); err != nil {
		r.log.Warn("Failed to stop health server", "error", err)
	}
	if r.group != nil {
		_ = r.group.Wait()
	}

	return r.close()
}

// Run starts the relay and blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		r.close()
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return r.Stop(stopCtx)
}

// Events exposes the queue.
func (r *Relay) Events() storage.EventRepository {
	return r.store.Events
}

// Reconcile runs a single reconciliation pass from the current watermark.
func (r *Relay) Reconcile(ctx context.Context) (reconcile.Result, error) {
	return r.reconciler.Run(ctx)
}

// Close releases resources of a relay that was never started.
func (r *Relay) Close() error {
	return r.close()
}

// Health returns the current health report.
func (r *Relay) Health(ctx context.Context) health.HealthReport {
	return r.healthMon.CheckHealth(ctx)
}

func (r *Relay) close() error {
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			r.log.Warn("Failed to close sink", "error", err)
		}
	}
	if r.client != nil {
		r.client.Close()
	}
	return r.store.Close()
}
