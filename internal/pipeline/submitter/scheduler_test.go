package submitter

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/pipeline/retry"
)

func TestScheduler_DeliversAndStops(t *testing.T) {
	repo := newRepo(3)
	sink := &mockSink{}
	insert(t, repo, "S1", 1)

	engine := NewEngine(Config{}, repo, sink, retry.NewPolicy(3), nil, nil)
	s := NewScheduler(engine, 10*time.Millisecond)

	s.Start(context.Background())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for status(t, repo, "S1").Status != domain.EventStatusSubmitted {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never submitted the event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	s.Stop()

	insert(t, repo, "S2", 2)
	time.Sleep(50 * time.Millisecond)
	if ev := status(t, repo, "S2"); ev.Status != domain.EventStatusPending {
		t.Errorf("no ticks should run after Stop, got %s", ev.Status)
	}
	if n := len(sink.fingerprints()); n != 1 {
		t.Errorf("expected a single submission, got %d", n)
	}
}
