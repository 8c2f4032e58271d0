package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// HeadFetcher fetches the latest block height of the observed chain.
type HeadFetcher interface {
	CurrentBlockHeight(ctx context.Context) (uint64, error)
}

// ActivitySource reports when the submitter last delivered an event.
type ActivitySource interface {
	LastSubmission() time.Time
}

// Thresholds tune status evaluation.
type Thresholds struct {
	PendingDegraded int
	PendingCritical int
	FailedCritical  int
	LagDegraded     uint64
	// StaleAfter flags the submitter when events are pending and nothing was
	// delivered for this long.
	StaleAfter time.Duration
	// CacheFor limits how often the chain and store are queried.
	CacheFor time.Duration
}

// DefaultThresholds returns production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PendingDegraded: 1000,
		PendingCritical: 10000,
		FailedCritical:  50,
		LagDegraded:     1000,
		StaleAfter:      5 * time.Minute,
		CacheFor:        10 * time.Second,
	}
}

// Monitor aggregates health status from the queue, the chain and the submitter.
type Monitor struct {
	repo       storage.EventRepository
	heads      HeadFetcher
	activity   ActivitySource
	thresholds Thresholds
	startedAt  time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor. heads and activity may be nil.
func NewMonitor(repo storage.EventRepository, heads HeadFetcher, activity ActivitySource, thresholds Thresholds) *Monitor {
	return &Monitor{
		repo:       repo,
		heads:      heads,
		activity:   activity,
		thresholds: thresholds,
		startedAt:  time.Now(),
	}
}

// CheckHealth builds a report, reusing the previous one within CacheFor.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.thresholds.CacheFor {
		return *m.lastReport
	}

	report := HealthReport{CheckedAt: time.Now()}
	report.Queue = m.checkQueue(ctx)
	report.Chain = m.checkChain(ctx)
	report.Submitter = m.checkSubmitter(report.Queue.Pending)
	report.SystemStatus = worst(report.Queue.Status, report.Chain.Status, report.Submitter.Status)

	m.lastCheck = report.CheckedAt
	m.lastReport = &report
	return report
}

func (m *Monitor) checkQueue(ctx context.Context) QueueHealth {
	q := QueueHealth{Status: StatusHealthy}

	counts, err := m.repo.CountByStatus(ctx)
	if err != nil {
		// An unreachable store stops both ingestion and delivery.
		q.Status = StatusCritical
		q.Error = err.Error()
		return q
	}
	q.Pending = counts[domain.EventStatusPending]
	q.Submitted = counts[domain.EventStatusSubmitted]
	q.Failed = counts[domain.EventStatusFailed]

	t := m.thresholds
	if q.Pending > t.PendingCritical || q.Failed > t.FailedCritical {
		q.Status = StatusCritical
	} else if q.Pending > t.PendingDegraded || q.Failed > 0 {
		q.Status = StatusDegraded
	}
	return q
}

func (m *Monitor) checkChain(ctx context.Context) ChainHealth {
	c := ChainHealth{Status: StatusHealthy}

	watermark, err := m.repo.HighestObservedBlock(ctx)
	if err == nil {
		c.Watermark = watermark
	}
	if m.heads == nil {
		return c
	}

	head, err := m.heads.CurrentBlockHeight(ctx)
	if err != nil {
		c.Status = StatusDegraded
		c.Error = err.Error()
		return c
	}
	c.Head = head
	if head > c.Watermark {
		c.Lag = head - c.Watermark
	}
	// Lag only grows between events, so it degrades but never goes critical.
	if m.thresholds.LagDegraded > 0 && c.Lag > m.thresholds.LagDegraded {
		c.Status = StatusDegraded
	}
	return c
}

func (m *Monitor) checkSubmitter(pending int) SubmitterHealth {
	s := SubmitterHealth{Status: StatusHealthy}
	if m.activity == nil {
		return s
	}

	since := m.startedAt
	if last := m.activity.LastSubmission(); !last.IsZero() {
		s.LastSubmission = &last
		since = last
	}
	if pending > 0 && m.thresholds.StaleAfter > 0 && time.Since(since) > m.thresholds.StaleAfter {
		s.Stale = true
		s.Status = StatusDegraded
	}
	return s
}
