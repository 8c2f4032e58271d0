package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// =============================================================================
// Mocks
// =============================================================================

// stubRepo implements only what the monitor reads.
type stubRepo struct {
	storage.EventRepository
	counts    map[domain.EventStatus]int
	watermark uint64
	err       error
}

func (s *stubRepo) CountByStatus(ctx context.Context) (map[domain.EventStatus]int, error) {
	return s.counts, s.err
}

func (s *stubRepo) HighestObservedBlock(ctx context.Context) (uint64, error) {
	return s.watermark, s.err
}

type stubHeads struct {
	head uint64
	err  error
}

func (s *stubHeads) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	return s.head, s.err
}

type stubActivity struct {
	last time.Time
}

func (s *stubActivity) LastSubmission() time.Time { return s.last }

func noCache() Thresholds {
	t := DefaultThresholds()
	t.CacheFor = 0
	return t
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_CheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		repo     *stubRepo
		heads    *stubHeads
		activity *stubActivity
		want     SystemStatus
	}{
		{
			name:     "healthy",
			repo:     &stubRepo{counts: map[domain.EventStatus]int{domain.EventStatusSubmitted: 10}, watermark: 100},
			heads:    &stubHeads{head: 105},
			activity: &stubActivity{last: time.Now()},
			want:     StatusHealthy,
		},
		{
			name:  "dead letters degrade",
			repo:  &stubRepo{counts: map[domain.EventStatus]int{domain.EventStatusFailed: 1}},
			heads: &stubHeads{},
			want:  StatusDegraded,
		},
		{
			name:  "many dead letters are critical",
			repo:  &stubRepo{counts: map[domain.EventStatus]int{domain.EventStatusFailed: 51}},
			heads: &stubHeads{},
			want:  StatusCritical,
		},
		{
			name:  "pending backlog degrades",
			repo:  &stubRepo{counts: map[domain.EventStatus]int{domain.EventStatusPending: 1001}},
			heads: &stubHeads{},
			want:  StatusDegraded,
		},
		{
			name:  "chain unreachable degrades",
			repo:  &stubRepo{counts: map[domain.EventStatus]int{}},
			heads: &stubHeads{err: errors.New("dial tcp: refused")},
			want:  StatusDegraded,
		},
		{
			name:  "store unreachable is critical",
			repo:  &stubRepo{err: errors.New("database is locked")},
			heads: &stubHeads{},
			want:  StatusCritical,
		},
		{
			name:     "stale submitter degrades",
			repo:     &stubRepo{counts: map[domain.EventStatus]int{domain.EventStatusPending: 3}},
			heads:    &stubHeads{},
			activity: &stubActivity{last: time.Now().Add(-time.Hour)},
			want:     StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var activity ActivitySource
			if tt.activity != nil {
				activity = tt.activity
			}
			m := NewMonitor(tt.repo, tt.heads, activity, noCache())
			report := m.CheckHealth(context.Background())
			if report.SystemStatus != tt.want {
				t.Errorf("expected %s, got %s (%+v)", tt.want, report.SystemStatus, report)
			}
		})
	}
}

func TestMonitor_ChainLag(t *testing.T) {
	m := NewMonitor(
		&stubRepo{counts: map[domain.EventStatus]int{}, watermark: 500},
		&stubHeads{head: 520},
		nil,
		noCache(),
	)
	report := m.CheckHealth(context.Background())
	if report.Chain.Lag != 20 || report.Chain.Head != 520 {
		t.Errorf("expected lag 20 at head 520, got %+v", report.Chain)
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	repo := &stubRepo{counts: map[domain.EventStatus]int{}}
	thresholds := DefaultThresholds()
	thresholds.CacheFor = time.Minute
	m := NewMonitor(repo, nil, nil, thresholds)

	first := m.CheckHealth(context.Background())
	repo.counts = map[domain.EventStatus]int{domain.EventStatusFailed: 100}
	second := m.CheckHealth(context.Background())

	if first.SystemStatus != StatusHealthy || second.SystemStatus != StatusHealthy {
		t.Error("cached report should be reused within CacheFor")
	}
}

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	repo := &stubRepo{counts: map[domain.EventStatus]int{domain.EventStatusFailed: 100}}
	srv := NewServer(NewMonitor(repo, nil, nil, noCache()), 0, reg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "critical" {
		t.Errorf("expected 503 critical, got %d %v", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/health/detailed")
	if err != nil {
		t.Fatal(err)
	}
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("detailed report is not json: %v", err)
	}
	resp.Body.Close()
	if report.Queue.Failed != 100 {
		t.Errorf("expected 100 failed in detailed report, got %d", report.Queue.Failed)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	resp.Body.Close()
	if !strings.Contains(buf.String(), "relay_test_total 1") {
		t.Errorf("metrics endpoint should serve the given registry, got %q", buf.String())
	}
}
