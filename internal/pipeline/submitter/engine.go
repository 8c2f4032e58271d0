// Package submitter drains the queue into the consensus log.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/chain"
	"github.com/vietddude/relay/internal/infra/consensus"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/pipeline/metrics"
	"github.com/vietddude/relay/internal/pipeline/retry"
)

// ErrTickInProgress is returned when Tick is called while another tick runs.
var ErrTickInProgress = errors.New("tick already in progress")

// Config holds submission settings.
type Config struct {
	BatchSize      int
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	// Source is stamped into every envelope as provenance.
	Source string
}

// TickResult summarizes one tick.
type TickResult struct {
	Selected     int
	Submitted    int
	Retried      int
	DeadLettered int
}

// Engine submits pending events in observedAt order, one at a time.
type Engine struct {
	cfg       Config
	repo      storage.EventRepository
	sink      consensus.Sink
	policy    retry.Policy
	confirmer chain.Confirmer
	metrics   metrics.Collector
	log       *slog.Logger

	ticking    atomic.Bool
	lastSubmit atomic.Int64
	confirms   sync.WaitGroup
}

// NewEngine creates an Engine. confirmer may be nil.
func NewEngine(
	cfg Config,
	repo storage.EventRepository,
	sink consensus.Sink,
	policy retry.Policy,
	confirmer chain.Confirmer,
	collector metrics.Collector,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Engine{
		cfg:       cfg,
		repo:      repo,
		sink:      sink,
		policy:    policy,
		confirmer: confirmer,
		metrics:   collector,
		log:       slog.Default().With("component", "submitter"),
	}
}

// Envelope is the message written to the consensus log.
type Envelope struct {
	EventType       string          `json:"eventType"`
	Fingerprint     string          `json:"fingerprint"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadBase64   []byte          `json:"payloadBase64,omitempty"`
	BlockNumber     uint64          `json:"blockNumber"`
	TransactionHash string          `json:"transactionHash"`
	ObservedAt      int64           `json:"observedAt"`
	Source          string          `json:"source,omitempty"`
}

// BuildEnvelope wraps a queued event with its provenance. Payloads that are
// not JSON are carried base64 encoded.
func BuildEnvelope(ev *domain.QueuedEvent, source string) ([]byte, error) {
	env := Envelope{
		EventType:       ev.EventType,
		Fingerprint:     ev.Fingerprint,
		BlockNumber:     ev.BlockNumber,
		TransactionHash: ev.TransactionHash,
		ObservedAt:      ev.ObservedAt,
		Source:          source,
	}
	if json.Valid(ev.Payload) {
		env.Payload = ev.Payload
	} else {
		env.PayloadBase64 = ev.Payload
	}
	return json.Marshal(env)
}

// Tick submits one batch. A tick that has loaded its batch runs it to
// completion even if ctx is cancelled; each submission stays bounded by
// SubmitTimeout.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	if !e.ticking.CompareAndSwap(false, true) {
		return TickResult{}, ErrTickInProgress
	}
	defer e.ticking.Store(false)

	start := time.Now()
	storeCtx := context.WithoutCancel(ctx)

	batch, err := e.repo.NextPendingBatch(storeCtx, e.cfg.BatchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("failed to load pending batch: %w", err)
	}

	res := TickResult{Selected: len(batch)}
	if len(batch) == 0 {
		return res, nil
	}

	if ctx.Err() != nil {
		e.log.Info("Finishing tick after shutdown request", "remaining", len(batch))
	}
	for _, ev := range batch {
		e.process(storeCtx, ev, &res)
	}

	e.refreshGauges(storeCtx)
	e.metrics.TickCompleted(res.Selected, time.Since(start))
	e.log.Debug("Tick complete",
		"selected", res.Selected,
		"submitted", res.Submitted,
		"retried", res.Retried,
		"dead_lettered", res.DeadLettered,
	)
	return res, nil
}

func (e *Engine) process(ctx context.Context, ev *domain.QueuedEvent, res *TickResult) {
	payload, err := BuildEnvelope(ev, e.cfg.Source)
	if err != nil {
		e.fail(ctx, ev, fmt.Errorf("build envelope: %w", err), res)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	start := time.Now()
	seq, err := e.sink.Submit(submitCtx, consensus.Message{
		TopicID: ev.TopicID,
		Key:     ev.Fingerprint,
		Payload: payload,
	})
	cancel()
	latency := time.Since(start)

	if err != nil {
		e.metrics.SubmissionFailed(ev.TopicID, latency)
		e.fail(ctx, ev, err, res)
		return
	}

	if err := e.repo.MarkSubmitted(ctx, ev.ID, seq); err != nil {
		// The log has the message; the row stays pending and the sink's
		// idempotency key absorbs the resubmission.
		e.log.Error("Failed to record submission",
			"fingerprint", ev.Fingerprint,
			"seq", seq,
			"error", err,
		)
		return
	}

	res.Submitted++
	e.metrics.SubmissionSucceeded(ev.TopicID, latency)
	now := time.Now()
	e.lastSubmit.Store(now.UnixNano())
	e.metrics.SetLastSubmission(now)
	e.log.Debug("Event submitted", "fingerprint", ev.Fingerprint, "topic", ev.TopicID, "seq", seq)

	e.confirm(ev.Fingerprint, seq)
}

// fail counts one attempt against the retry budget and dead-letters the
// event once the budget is spent.
func (e *Engine) fail(ctx context.Context, ev *domain.QueuedEvent, cause error, res *TickResult) {
	msg := cause.Error()
	if err := e.repo.IncrementRetry(ctx, ev.ID, msg); err != nil {
		e.log.Error("Failed to record retry", "fingerprint", ev.Fingerprint, "error", err)
		return
	}
	res.Retried++

	attempts := ev.RetryCount + 1
	if !e.policy.Exhausted(attempts) {
		e.log.Warn("Submission failed, will retry",
			"fingerprint", ev.Fingerprint,
			"topic", ev.TopicID,
			"attempt", attempts,
			"max_retries", e.policy.MaxRetries,
			"category", e.policy.Classify(cause),
			"error", cause,
		)
		return
	}

	if err := e.repo.MarkFailed(ctx, ev.ID, msg); err != nil {
		e.log.Error("Failed to dead-letter event", "fingerprint", ev.Fingerprint, "error", err)
		return
	}
	res.DeadLettered++
	e.metrics.EventDeadLettered(ev.TopicID)
	e.log.Error("Event dead-lettered",
		"fingerprint", ev.Fingerprint,
		"topic", ev.TopicID,
		"attempts", attempts,
		"error", cause,
	)
}

// confirm runs the advisory on-chain acknowledgement in the background.
// Its outcome never touches the queue.
func (e *Engine) confirm(fingerprint string, seq uint64) {
	if e.confirmer == nil {
		return
	}
	e.confirms.Add(1)
	go func() {
		defer e.confirms.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConfirmTimeout)
		defer cancel()

		err := e.confirmer.Confirm(ctx, fingerprint, seq)
		e.metrics.ConfirmationAttempted(err == nil)
		if err != nil {
			e.log.Debug("Confirmation failed", "fingerprint", fingerprint, "error", err)
		}
	}()
}

func (e *Engine) refreshGauges(ctx context.Context) {
	counts, err := e.repo.CountByStatus(ctx)
	if err != nil {
		e.log.Warn("Failed to count events", "error", err)
		return
	}
	for status, n := range counts {
		e.metrics.SetQueueDepth(string(status), n)
	}
}

// LastSubmission returns the time of the latest acknowledged submission,
// or the zero time if none happened yet.
func (e *Engine) LastSubmission() time.Time {
	n := e.lastSubmit.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Wait blocks until background confirmations finish.
func (e *Engine) Wait() {
	e.confirms.Wait()
}
