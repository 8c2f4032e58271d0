// Package metrics defines the counters and gauges the relay exposes.
//
// Components receive a Collector instead of touching package-level
// collectors, so every component can be tested against Nop or a private
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion sources.
const (
	SourceLive     = "live"
	SourceBackfill = "backfill"
)

// Collector receives relay metrics.
type Collector interface {
	// EventIngested records a new queue row.
	EventIngested(source, eventType string)
	// EventDuplicate records an insert rejected by the fingerprint gate.
	EventDuplicate(source string)
	// IngestError records an event that could not be queued.
	IngestError(source string)
	// PendingAdded bumps the pending gauge after a successful insert.
	PendingAdded()
	// SetQueueDepth sets the row count for one status.
	SetQueueDepth(status string, count int)

	// SubmissionSucceeded records a sink acknowledgment.
	SubmissionSucceeded(topic string, latency time.Duration)
	// SubmissionFailed records a failed sink call.
	SubmissionFailed(topic string, latency time.Duration)
	// EventDeadLettered records an event that exhausted its retry budget.
	EventDeadLettered(topic string)
	// SetLastSubmission records the time of the latest acknowledgment.
	SetLastSubmission(t time.Time)
	// TickCompleted records one submission tick.
	TickCompleted(batchSize int, duration time.Duration)

	// ReconcileCompleted records one reconciliation pass.
	ReconcileCompleted(fromBlock, toBlock uint64, inserted int)
	// SetWatermark sets the highest observed block.
	SetWatermark(block uint64)
	// SetChainHead sets the latest chain height seen.
	SetChainHead(block uint64)

	// ConfirmationAttempted records a best-effort on-chain confirmation.
	ConfirmationAttempted(success bool)
	// EventsPruned records rows removed by the retention sweep.
	EventsPruned(count int)
	// SetDBPoolUsage sets connection pool usage in percent.
	SetDBPoolUsage(percent float64)
}

// Prometheus is a Collector backed by its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	eventsIngested     *prometheus.CounterVec
	eventsDuplicate    *prometheus.CounterVec
	ingestErrors       *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	submissions        *prometheus.CounterVec
	submissionLatency  *prometheus.HistogramVec
	deadLettered       *prometheus.CounterVec
	lastSubmission     prometheus.Gauge
	tickBatchSize      prometheus.Histogram
	tickDuration       prometheus.Histogram
	reconcileInserted  prometheus.Counter
	reconcileLastBlock prometheus.Gauge
	watermark          prometheus.Gauge
	chainHead          prometheus.Gauge
	confirmations      *prometheus.CounterVec
	pruned             prometheus.Counter
	dbPoolUsage        prometheus.Gauge
}

// NewPrometheus registers the relay collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		eventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_ingested_total",
				Help: "Total number of events queued",
			},
			[]string{"source", "event_type"},
		),
		eventsDuplicate: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_duplicate_total",
				Help: "Total number of inserts skipped because the fingerprint was known",
			},
			[]string{"source"},
		),
		ingestErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ingest_errors_total",
				Help: "Total number of events that could not be queued",
			},
			[]string{"source"},
		),
		queueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_depth",
				Help: "Number of queue rows per status",
			},
			[]string{"status"},
		),
		submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_submissions_total",
				Help: "Total number of consensus log submissions",
			},
			[]string{"topic", "result"},
		),
		submissionLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_submission_latency_seconds",
				Help:    "Consensus log submission latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		deadLettered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_dead_lettered_total",
				Help: "Total number of events that exhausted their retry budget",
			},
			[]string{"topic"},
		),
		lastSubmission: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_last_submission_timestamp_seconds",
			Help: "Unix time of the latest acknowledged submission",
		}),
		tickBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_tick_batch_size",
			Help:    "Number of events handled per submission tick",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_tick_duration_seconds",
			Help:    "Duration of a submission tick in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		reconcileInserted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_reconcile_inserted_total",
			Help: "Total number of events recovered by reconciliation",
		}),
		reconcileLastBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_reconcile_last_block",
			Help: "Upper bound of the latest reconciled range",
		}),
		watermark: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_watermark_block",
			Help: "Highest block number recorded in the queue",
		}),
		chainHead: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_chain_head_block",
			Help: "Latest chain height seen by the relay",
		}),
		confirmations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_confirmations_total",
				Help: "Total number of best-effort on-chain confirmations",
			},
			[]string{"result"},
		),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_pruned_total",
			Help: "Total number of submitted events removed by retention",
		}),
		dbPoolUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_db_connection_pool_usage_percent",
			Help: "Database connection pool usage in percent",
		}),
	}
}

// Registry exposes the underlying registry for the HTTP handler.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) EventIngested(source, eventType string) {
	p.eventsIngested.WithLabelValues(source, eventType).Inc()
}

func (p *Prometheus) EventDuplicate(source string) {
	p.eventsDuplicate.WithLabelValues(source).Inc()
}

func (p *Prometheus) IngestError(source string) {
	p.ingestErrors.WithLabelValues(source).Inc()
}

func (p *Prometheus) PendingAdded() {
	p.queueDepth.WithLabelValues("pending").Inc()
}

func (p *Prometheus) SetQueueDepth(status string, count int) {
	p.queueDepth.WithLabelValues(status).Set(float64(count))
}

func (p *Prometheus) SubmissionSucceeded(topic string, latency time.Duration) {
	p.submissions.WithLabelValues(topic, "success").Inc()
	p.submissionLatency.WithLabelValues(topic).Observe(latency.Seconds())
}

func (p *Prometheus) SubmissionFailed(topic string, latency time.Duration) {
	p.submissions.WithLabelValues(topic, "failure").Inc()
	p.submissionLatency.WithLabelValues(topic).Observe(latency.Seconds())
}

func (p *Prometheus) EventDeadLettered(topic string) {
	p.deadLettered.WithLabelValues(topic).Inc()
}

func (p *Prometheus) SetLastSubmission(t time.Time) {
	p.lastSubmission.Set(float64(t.Unix()))
}

func (p *Prometheus) TickCompleted(batchSize int, duration time.Duration) {
	p.tickBatchSize.Observe(float64(batchSize))
	p.tickDuration.Observe(duration.Seconds())
}

func (p *Prometheus) ReconcileCompleted(fromBlock, toBlock uint64, inserted int) {
	p.reconcileInserted.Add(float64(inserted))
	p.reconcileLastBlock.Set(float64(toBlock))
}

func (p *Prometheus) SetWatermark(block uint64) {
	p.watermark.Set(float64(block))
}

func (p *Prometheus) SetChainHead(block uint64) {
	p.chainHead.Set(float64(block))
}

func (p *Prometheus) ConfirmationAttempted(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.confirmations.WithLabelValues(result).Inc()
}

func (p *Prometheus) EventsPruned(count int) {
	p.pruned.Add(float64(count))
}

func (p *Prometheus) SetDBPoolUsage(percent float64) {
	p.dbPoolUsage.Set(percent)
}

// Nop discards everything.
type Nop struct{}

func (Nop) EventIngested(string, string)              {}
func (Nop) EventDuplicate(string)                     {}
func (Nop) IngestError(string)                        {}
func (Nop) PendingAdded()                             {}
func (Nop) SetQueueDepth(string, int)                 {}
func (Nop) SubmissionSucceeded(string, time.Duration) {}
func (Nop) SubmissionFailed(string, time.Duration)    {}
func (Nop) EventDeadLettered(string)                  {}
func (Nop) SetLastSubmission(time.Time)               {}
func (Nop) TickCompleted(int, time.Duration)          {}
func (Nop) ReconcileCompleted(uint64, uint64, int)    {}
func (Nop) SetWatermark(uint64)                       {}
func (Nop) SetChainHead(uint64)                       {}
func (Nop) ConfirmationAttempted(bool)                {}
func (Nop) EventsPruned(int)                          {}
func (Nop) SetDBPoolUsage(float64)                    {}
