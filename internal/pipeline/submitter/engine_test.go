package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/consensus"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/infra/storage/memory"
	"github.com/vietddude/relay/internal/pipeline/retry"
)

// =============================================================================
// Mocks
// =============================================================================

type mockSink struct {
	mu       sync.Mutex
	submitFn func(ctx context.Context, msg consensus.Message) (uint64, error)
	seq      uint64
	messages []consensus.Message
}

func (s *mockSink) Submit(ctx context.Context, msg consensus.Message) (uint64, error) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	fn := s.submitFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *mockSink) Close() error { return nil }

func (s *mockSink) fingerprints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.messages {
		out = append(out, m.Key)
	}
	return out
}

type mockConfirmer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *mockConfirmer) Confirm(ctx context.Context, fp string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func newRepo(maxRetries int) *memory.EventRepo {
	return memory.NewEventRepo(memory.NewMemoryStorage(), storage.Options{MaxRetries: maxRetries})
}

func insert(t *testing.T, repo storage.EventRepository, fp string, observedAt int64) {
	t.Helper()
	_, err := repo.Insert(context.Background(), domain.RawEvent{
		TopicID:         "0.0.42",
		Fingerprint:     fp,
		EventType:       "Liquidated",
		Payload:         []byte(`{"amount":"1"}`),
		BlockNumber:     uint64(observedAt),
		TransactionHash: "0xtx" + fp,
		ObservedAt:      time.Unix(observedAt, 0),
	})
	if err != nil {
		t.Fatalf("insert %s: %v", fp, err)
	}
}

func status(t *testing.T, repo storage.EventRepository, fp string) *domain.QueuedEvent {
	t.Helper()
	ev, err := repo.Get(context.Background(), fp)
	if err != nil {
		t.Fatalf("get %s: %v", fp, err)
	}
	return ev
}

// =============================================================================
// Tests
// =============================================================================

func TestEngine_SubmitsOldestFirst(t *testing.T) {
	repo := newRepo(10)
	sink := &mockSink{}
	insert(t, repo, "A", 10)
	insert(t, repo, "B", 5)
	insert(t, repo, "C", 20)

	engine := NewEngine(Config{BatchSize: 2}, repo, sink, retry.NewPolicy(10), nil, nil)
	res, err := engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	got := sink.fingerprints()
	if len(got) != 2 || got[0] != "B" || got[1] != "A" {
		t.Fatalf("expected submissions [B A], got %v", got)
	}
	if res.Submitted != 2 {
		t.Errorf("expected 2 submitted, got %d", res.Submitted)
	}

	if ev := status(t, repo, "B"); ev.Status != domain.EventStatusSubmitted || *ev.LogSequenceNumber != 1 {
		t.Errorf("B should be submitted with seq 1, got %s", ev.Status)
	}
	if ev := status(t, repo, "A"); ev.Status != domain.EventStatusSubmitted || *ev.LogSequenceNumber != 2 {
		t.Errorf("A should be submitted with seq 2, got %s", ev.Status)
	}
	if ev := status(t, repo, "C"); ev.Status != domain.EventStatusPending {
		t.Errorf("C should stay pending, got %s", ev.Status)
	}
}

func TestEngine_EmptyTick(t *testing.T) {
	sink := &mockSink{}
	engine := NewEngine(Config{}, newRepo(3), sink, retry.NewPolicy(3), nil, nil)
	res, err := engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if res.Selected != 0 || len(sink.fingerprints()) != 0 {
		t.Error("empty queue should be a no-op tick")
	}
}

func TestEngine_RetryExhaustion(t *testing.T) {
	repo := newRepo(2)
	sink := &mockSink{submitFn: func(ctx context.Context, msg consensus.Message) (uint64, error) {
		return 0, errors.New("connection refused")
	}}
	insert(t, repo, "X", 1)

	engine := NewEngine(Config{BatchSize: 10}, repo, sink, retry.NewPolicy(2), nil, nil)
	ctx := context.Background()

	if _, err := engine.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if ev := status(t, repo, "X"); ev.Status != domain.EventStatusPending || ev.RetryCount != 1 {
		t.Fatalf("after tick 1 expected pending/1, got %s/%d", ev.Status, ev.RetryCount)
	}

	res, err := engine.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.DeadLettered != 1 {
		t.Errorf("expected 1 dead-lettered, got %d", res.DeadLettered)
	}
	ev := status(t, repo, "X")
	if ev.Status != domain.EventStatusFailed || ev.RetryCount != 2 {
		t.Fatalf("after tick 2 expected failed/2, got %s/%d", ev.Status, ev.RetryCount)
	}
	if ev.LastError == nil || *ev.LastError != "connection refused" {
		t.Errorf("expected last error to be recorded, got %v", ev.LastError)
	}

	res, err = engine.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected != 0 {
		t.Errorf("dead-lettered event must not be selected, got %d", res.Selected)
	}
	if n := len(sink.fingerprints()); n != 2 {
		t.Errorf("expected exactly 2 submission attempts, got %d", n)
	}
}

func TestEngine_EventualDelivery(t *testing.T) {
	repo := newRepo(5)
	var attempts int
	sink := &mockSink{submitFn: func(ctx context.Context, msg consensus.Message) (uint64, error) {
		attempts++
		if attempts < 3 {
			return 0, consensus.ErrRejected
		}
		return 99, nil
	}}
	insert(t, repo, "E", 1)

	engine := NewEngine(Config{}, repo, sink, retry.NewPolicy(5), nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := engine.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	ev := status(t, repo, "E")
	if ev.Status != domain.EventStatusSubmitted {
		t.Fatalf("expected submitted, got %s", ev.Status)
	}
	if *ev.LogSequenceNumber != 99 || ev.RetryCount != 2 {
		t.Errorf("expected seq 99 after 2 retries, got %d/%d", *ev.LogSequenceNumber, ev.RetryCount)
	}
	if ev.LastError != nil {
		t.Error("last error should be cleared on success")
	}
}

func TestEngine_FailureIsIsolated(t *testing.T) {
	repo := newRepo(3)
	sink := &mockSink{submitFn: func(ctx context.Context, msg consensus.Message) (uint64, error) {
		if msg.Key == "BAD" {
			return 0, errors.New("malformed payload")
		}
		return 7, nil
	}}
	insert(t, repo, "BAD", 1)
	insert(t, repo, "GOOD", 2)

	engine := NewEngine(Config{}, repo, sink, retry.NewPolicy(3), nil, nil)
	res, err := engine.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Submitted != 1 || res.Retried != 1 {
		t.Errorf("expected 1 submitted and 1 retried, got %+v", res)
	}
	if ev := status(t, repo, "GOOD"); ev.Status != domain.EventStatusSubmitted {
		t.Errorf("GOOD should be submitted despite BAD failing, got %s", ev.Status)
	}
}

func TestEngine_TimeoutCountsAsFailure(t *testing.T) {
	repo := newRepo(3)
	sink := &mockSink{submitFn: func(ctx context.Context, msg consensus.Message) (uint64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	insert(t, repo, "SLOW", 1)

	engine := NewEngine(Config{SubmitTimeout: 20 * time.Millisecond}, repo, sink, retry.NewPolicy(3), nil, nil)
	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	ev := status(t, repo, "SLOW")
	if ev.RetryCount != 1 || ev.Status != domain.EventStatusPending {
		t.Errorf("timeout should count one retry, got %s/%d", ev.Status, ev.RetryCount)
	}
}

func TestEngine_ReentrancyGuard(t *testing.T) {
	repo := newRepo(3)
	entered := make(chan struct{})
	release := make(chan struct{})
	sink := &mockSink{submitFn: func(ctx context.Context, msg consensus.Message) (uint64, error) {
		close(entered)
		<-release
		return 1, nil
	}}
	insert(t, repo, "R", 1)

	engine := NewEngine(Config{SubmitTimeout: time.Minute}, repo, sink, retry.NewPolicy(3), nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Tick(context.Background())
		done <- err
	}()
	<-entered

	if _, err := engine.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("expected ErrTickInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
	if _, err := engine.Tick(context.Background()); err != nil {
		t.Errorf("tick after completion should run, got %v", err)
	}
}

func TestEngine_CancelledTickFinishesBatch(t *testing.T) {
	repo := newRepo(3)
	ctx, cancel := context.WithCancel(context.Background())
	sink := &mockSink{}
	var seq uint64
	sink.submitFn = func(c context.Context, msg consensus.Message) (uint64, error) {
		cancel()
		// Submissions are not cut short by the cancellation.
		if c.Err() != nil {
			return 0, c.Err()
		}
		seq++
		return seq, nil
	}
	insert(t, repo, "FIRST", 1)
	insert(t, repo, "SECOND", 2)

	engine := NewEngine(Config{}, repo, sink, retry.NewPolicy(3), nil, nil)
	res, err := engine.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Submitted != 2 {
		t.Errorf("expected the whole batch to complete, got %+v", res)
	}
	for _, fp := range []string{"FIRST", "SECOND"} {
		if ev := status(t, repo, fp); ev.Status != domain.EventStatusSubmitted {
			t.Errorf("%s should be submitted, got %s", fp, ev.Status)
		}
	}
}

func TestEngine_ConfirmationIsAdvisory(t *testing.T) {
	repo := newRepo(3)
	confirmer := &mockConfirmer{err: errors.New("out of gas")}
	insert(t, repo, "C1", 1)

	engine := NewEngine(Config{}, repo, &mockSink{}, retry.NewPolicy(3), confirmer, nil)
	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	engine.Wait()

	if confirmer.calls != 1 {
		t.Errorf("expected 1 confirmation, got %d", confirmer.calls)
	}
	if ev := status(t, repo, "C1"); ev.Status != domain.EventStatusSubmitted {
		t.Errorf("confirmation failure must not change status, got %s", ev.Status)
	}
}

func TestBuildEnvelope(t *testing.T) {
	ev := &domain.QueuedEvent{
		EventType:       "Liquidated",
		Fingerprint:     "0xabc",
		Payload:         []byte(`{"amount":"5"}`),
		BlockNumber:     12,
		TransactionHash: "0xtx",
		ObservedAt:      1700000000,
	}
	data, err := BuildEnvelope(ev, "relay-1")
	if err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("envelope is not json: %v", err)
	}
	if string(env.Payload) != `{"amount":"5"}` || env.PayloadBase64 != nil {
		t.Errorf("json payload should be embedded, got %s", env.Payload)
	}
	if env.Fingerprint != "0xabc" || env.BlockNumber != 12 || env.Source != "relay-1" {
		t.Errorf("provenance missing: %+v", env)
	}

	ev.Payload = []byte{0xff, 0x00}
	data, err = BuildEnvelope(ev, "")
	if err != nil {
		t.Fatal(err)
	}
	env = Envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if len(env.Payload) != 0 || string(env.PayloadBase64) != string([]byte{0xff, 0x00}) {
		t.Errorf("binary payload should round trip through base64, got %v", env.PayloadBase64)
	}
}
