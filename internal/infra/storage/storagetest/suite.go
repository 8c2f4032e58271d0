// Package storagetest holds behaviour tests shared by every EventRepository.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// Factory builds an empty repository configured with opts.
type Factory func(t *testing.T, opts storage.Options) storage.EventRepository

// RawEvent builds a raw event for tests.
func RawEvent(fingerprint string, block uint64, observedAt int64) domain.RawEvent {
	return domain.RawEvent{
		TopicID:         "0.0.1001",
		Fingerprint:     fingerprint,
		EventType:       "Liquidated",
		Payload:         []byte(fmt.Sprintf(`{"fingerprint":%q}`, fingerprint)),
		BlockNumber:     block,
		TransactionHash: "0x" + fingerprint,
		ObservedAt:      time.Unix(observedAt, 0),
	}
}

// Run executes the conformance suite against newRepo.
func Run(t *testing.T, newRepo Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newRepo Factory)
	}{
		{"InsertIsIdempotent", testInsertIsIdempotent},
		{"NextPendingBatchOrdering", testNextPendingBatchOrdering},
		{"RetryExhaustion", testRetryExhaustion},
		{"MarkSubmitted", testMarkSubmitted},
		{"InvalidTransitions", testInvalidTransitions},
		{"HighestObservedBlock", testHighestObservedBlock},
		{"DeleteSubmittedBefore", testDeleteSubmittedBefore},
		{"Requeue", testRequeue},
		{"RequeueSpentPending", testRequeueSpentPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, newRepo) })
	}
}

func defaultOpts() storage.Options {
	return storage.Options{MaxRetries: 3, GenesisBlock: 100}
}

func mustInsert(t *testing.T, repo storage.EventRepository, raw domain.RawEvent) *domain.QueuedEvent {
	t.Helper()
	ctx := context.Background()
	ok, err := repo.Insert(ctx, raw)
	if err != nil {
		t.Fatalf("Insert(%s) failed: %v", raw.Fingerprint, err)
	}
	if !ok {
		t.Fatalf("Insert(%s) reported duplicate", raw.Fingerprint)
	}
	ev, err := repo.Get(ctx, raw.Fingerprint)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", raw.Fingerprint, err)
	}
	return ev
}

func testInsertIsIdempotent(t *testing.T, newRepo Factory) {
	repo := newRepo(t, defaultOpts())
	ctx := context.Background()

	first, err := repo.Insert(ctx, RawEvent("X", 200, 10))
	if err != nil || !first {
		t.Fatalf("first insert: inserted=%v err=%v", first, err)
	}
	second, err := repo.Insert(ctx, RawEvent("X", 200, 11))
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if second {
		t.Error("second insert of the same fingerprint should return false")
	}

	exists, err := repo.Exists(ctx, "X")
	if err != nil || !exists {
		t.Errorf("Exists(X) = %v, %v; want true", exists, err)
	}
	exists, err = repo.Exists(ctx, "Y")
	if err != nil || exists {
		t.Errorf("Exists(Y) = %v, %v; want false", exists, err)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[domain.EventStatusPending] != 1 {
		t.Errorf("expected exactly 1 pending row, got %d", counts[domain.EventStatusPending])
	}
	if counts[domain.EventStatusSubmitted] != 0 || counts[domain.EventStatusFailed] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}

	ev, err := repo.Get(ctx, "X")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ev.ObservedAt != 10 {
		t.Errorf("duplicate insert must not touch the row, observed_at=%d", ev.ObservedAt)
	}
	if ev.Status != domain.EventStatusPending || ev.RetryCount != 0 {
		t.Errorf("new row should be pending with no retries, got %s/%d", ev.Status, ev.RetryCount)
	}
	if string(ev.Payload) != `{"fingerprint":"X"}` {
		t.Errorf("payload not stored verbatim: %s", ev.Payload)
	}
}

func testNextPendingBatchOrdering(t *testing.T, newRepo Factory) {
	repo := newRepo(t, defaultOpts())
	ctx := context.Background()

	mustInsert(t, repo, RawEvent("A", 201, 10))
	mustInsert(t, repo, RawEvent("B", 202, 5))
	mustInsert(t, repo, RawEvent("C", 203, 20))

	batch, err := repo.NextPendingBatch(ctx, 2)
	if err != nil {
		t.Fatalf("NextPendingBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 events, got %d", len(batch))
	}
	if batch[0].Fingerprint != "B" || batch[1].Fingerprint != "A" {
		t.Errorf("expected [B A], got [%s %s]", batch[0].Fingerprint, batch[1].Fingerprint)
	}

	all, err := repo.NextPendingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("NextPendingBatch failed: %v", err)
	}
	if len(all) != 3 || all[2].Fingerprint != "C" {
		t.Errorf("expected C last of 3, got %d events", len(all))
	}

	none, err := repo.NextPendingBatch(ctx, 0)
	if err != nil || len(none) != 0 {
		t.Errorf("limit 0 should return nothing, got %d, %v", len(none), err)
	}
}

func testRetryExhaustion(t *testing.T, newRepo Factory) {
	repo := newRepo(t, defaultOpts())
	ctx := context.Background()
	ev := mustInsert(t, repo, RawEvent("R", 300, 1))

	if err := repo.MarkFailed(ctx, ev.ID, "too early"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("MarkFailed before exhaustion should be rejected, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := repo.IncrementRetry(ctx, ev.ID, fmt.Sprintf("attempt %d", i+1)); err != nil {
			t.Fatalf("IncrementRetry failed: %v", err)
		}
	}

	got, _ := repo.Get(ctx, "R")
	if got.Status != domain.EventStatusPending || got.RetryCount != 3 {
		t.Fatalf("expected pending with 3 retries, got %s/%d", got.Status, got.RetryCount)
	}
	if got.LastError == nil || *got.LastError != "attempt 3" {
		t.Errorf("last error not recorded: %v", got.LastError)
	}

	batch, _ := repo.NextPendingBatch(ctx, 10)
	if len(batch) != 0 {
		t.Errorf("exhausted event must not be selected, got %d", len(batch))
	}

	if err := repo.MarkFailed(ctx, ev.ID, "sink down"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	got, _ = repo.Get(ctx, "R")
	if got.Status != domain.EventStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != "sink down" {
		t.Errorf("expected last error 'sink down', got %v", got.LastError)
	}
	if got.LogSequenceNumber != nil {
		t.Error("failed row must not carry a sequence number")
	}
}

func testMarkSubmitted(t *testing.T, newRepo Factory) {
	repo := newRepo(t, defaultOpts())
	ctx := context.Background()
	ev := mustInsert(t, repo, RawEvent("S", 400, 1))

	if err := repo.IncrementRetry(ctx, ev.ID, "timeout"); err != nil {
		t.Fatalf("IncrementRetry failed: %v", err)
	}
	if err := repo.MarkSubmitted(ctx, ev.ID, 42); err != nil {
		t.Fatalf("MarkSubmitted failed: %v", err)
	}

	got, _ := repo.Get(ctx, "S")
	if got.Status != domain.EventStatusSubmitted {
		t.Errorf("expected submitted, got %s", got.Status)
	}
	if got.LogSequenceNumber == nil || *got.LogSequenceNumber != 42 {
		t.Errorf("expected sequence 42, got %v", got.LogSequenceNumber)
	}
	if got.LastError != nil {
		t.Errorf("last error should be cleared, got %q", *got.LastError)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count should be frozen at 1, got %d", got.RetryCount)
	}

	// Frozen after submission.
	if err := repo.IncrementRetry(ctx, ev.ID, "late"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("IncrementRetry on submitted should fail, got %v", err)
	}
}

func testInvalidTransitions(t *testing.T, newRepo Factory) {
	repo := newRepo(t, defaultOpts())
	ctx := context.Background()

	if err := repo.MarkSubmitted(ctx, 9999, 1); !errors.Is(err, storage.ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, storage.ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}

	ev := mustInsert(t, repo, RawEvent("T", 500, 1))
	if err := repo.MarkSubmitted(ctx, ev.ID, 7); err != nil {
		t.Fatalf("MarkSubmitted failed: %v", err)
	}
	if err := repo.MarkSubmitted(ctx, ev.ID, 8); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("double submission should be rejected, got %v", err)
	}
	got, _ := repo.Get(ctx, "T")
	if *got.LogSequenceNumber != 7 {
		t.Errorf("sequence number must not change, got %d", *got.LogSequenceNumber)
	}
}

func testHighestObservedBlock(t *testing.T, newRepo Factory) {
	repo := newRepo(t, defaultOpts())
	ctx := context.Background()

	got, err := repo.HighestObservedBlock(ctx)
	if err != nil {
		t.Fatalf("HighestObservedBlock failed: %v", err)
	}
	if got != 100 {
		t.Errorf("empty store should report genesis 100, got %d", got)
	}

	mustInsert(t, repo, RawEvent("H1", 150, 1))
	mustInsert(t, repo, RawEvent("H2", 170, 2))
	// Late arrival from an older block does not lower the watermark.
	mustInsert(t, repo, RawEvent("H3", 120, 3))

	got, _ = repo.HighestObservedBlock(ctx)
	if got != 170 {
		t.Errorf("expected watermark 170, got %d", got)
	}
}

func testDeleteSubmittedBefore(t *testing.T, newRepo Factory) {
	repo := newRepo(t, defaultOpts())
	ctx := context.Background()

	old := mustInsert(t, repo, RawEvent("OLD", 600, 1000))
	oldPending := mustInsert(t, repo, RawEvent("OLD-PENDING", 601, 1001))
	recent := mustInsert(t, repo, RawEvent("NEW", 602, 5000))
	_ = oldPending

	if err := repo.MarkSubmitted(ctx, old.ID, 1); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkSubmitted(ctx, recent.ID, 2); err != nil {
		t.Fatal(err)
	}

	n, err := repo.DeleteSubmittedBefore(ctx, time.Unix(2000, 0), 100)
	if err != nil {
		t.Fatalf("DeleteSubmittedBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row pruned, got %d", n)
	}
	if exists, _ := repo.Exists(ctx, "OLD"); exists {
		t.Error("old submitted row should be pruned")
	}
	if exists, _ := repo.Exists(ctx, "OLD-PENDING"); !exists {
		t.Error("pending rows must survive retention")
	}
	if exists, _ := repo.Exists(ctx, "NEW"); !exists {
		t.Error("recent submitted rows must survive retention")
	}

	counts, _ := repo.CountByStatus(ctx)
	if counts[domain.EventStatusSubmitted] != 1 || counts[domain.EventStatusPending] != 1 {
		t.Errorf("unexpected counts after prune: %v", counts)
	}
}

func testRequeue(t *testing.T, newRepo Factory) {
	opts := defaultOpts()
	opts.MaxRetries = 1
	repo := newRepo(t, opts)
	ctx := context.Background()

	for _, fp := range []string{"F1", "F2"} {
		ev := mustInsert(t, repo, RawEvent(fp, 700, 1))
		if err := repo.IncrementRetry(ctx, ev.ID, "boom"); err != nil {
			t.Fatal(err)
		}
		if err := repo.MarkFailed(ctx, ev.ID, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.Requeue(ctx, "F1")
	if err != nil || n != 1 {
		t.Fatalf("Requeue(F1) = %d, %v; want 1", n, err)
	}
	got, _ := repo.Get(ctx, "F1")
	if got.Status != domain.EventStatusPending || got.RetryCount != 0 {
		t.Errorf("requeued row should be pending with fresh budget, got %s/%d", got.Status, got.RetryCount)
	}

	n, err = repo.Requeue(ctx, "")
	if err != nil || n != 1 {
		t.Errorf("Requeue(all) = %d, %v; want 1", n, err)
	}
	batch, _ := repo.NextPendingBatch(ctx, 10)
	if len(batch) != 2 {
		t.Errorf("expected both rows eligible again, got %d", len(batch))
	}
}

// A row whose last IncrementRetry landed but whose MarkFailed did not is
// pending with no budget left; Requeue must still reach it.
func testRequeueSpentPending(t *testing.T, newRepo Factory) {
	opts := defaultOpts()
	opts.MaxRetries = 1
	repo := newRepo(t, opts)
	ctx := context.Background()

	spent := mustInsert(t, repo, RawEvent("SPENT", 800, 1))
	if err := repo.IncrementRetry(ctx, spent.ID, "timeout"); err != nil {
		t.Fatal(err)
	}
	mustInsert(t, repo, RawEvent("FRESH", 801, 2))

	batch, _ := repo.NextPendingBatch(ctx, 10)
	if len(batch) != 1 || batch[0].Fingerprint != "FRESH" {
		t.Fatalf("spent row should not be eligible before requeue, got %d rows", len(batch))
	}

	n, err := repo.Requeue(ctx, "")
	if err != nil || n != 1 {
		t.Fatalf("Requeue(all) = %d, %v; want 1", n, err)
	}
	got, _ := repo.Get(ctx, "SPENT")
	if got.Status != domain.EventStatusPending || got.RetryCount != 0 || got.LastError != nil {
		t.Errorf("spent row should be reset, got %s/%d", got.Status, got.RetryCount)
	}
	batch, _ = repo.NextPendingBatch(ctx, 10)
	if len(batch) != 2 {
		t.Errorf("expected both rows eligible after requeue, got %d", len(batch))
	}
}
