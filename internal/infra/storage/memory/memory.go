// Package memory is a non-durable queue store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// MemoryStorage holds all rows behind a single lock.
type MemoryStorage struct {
	mu            sync.RWMutex
	events        map[int64]*domain.QueuedEvent
	byFingerprint map[string]int64
	metadata      map[string]string
	nextID        int64
	prunedBlock   uint64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		events:        make(map[int64]*domain.QueuedEvent),
		byFingerprint: make(map[string]int64),
		metadata:      make(map[string]string),
	}
}

// -----------------------------------------------------------------------------
// Event Repository
// -----------------------------------------------------------------------------

type EventRepo struct {
	store *MemoryStorage
	opts  storage.Options
}

func NewEventRepo(store *MemoryStorage, opts storage.Options) *EventRepo {
	return &EventRepo{store: store, opts: opts}
}

func (r *EventRepo) Insert(ctx context.Context, raw domain.RawEvent) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.byFingerprint[raw.Fingerprint]; ok {
		return false, nil
	}
	ev := domain.NewQueuedEvent(raw, r.opts.Clock())
	r.store.nextID++
	ev.ID = r.store.nextID
	r.store.events[ev.ID] = ev
	r.store.byFingerprint[ev.Fingerprint] = ev.ID
	return true, nil
}

func (r *EventRepo) Exists(ctx context.Context, fingerprint string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.byFingerprint[fingerprint]
	return ok, nil
}

func (r *EventRepo) Get(ctx context.Context, fingerprint string) (*domain.QueuedEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	id, ok := r.store.byFingerprint[fingerprint]
	if !ok {
		return nil, storage.ErrEventNotFound
	}
	return copyEvent(r.store.events[id]), nil
}

func (r *EventRepo) NextPendingBatch(ctx context.Context, limit int) ([]*domain.QueuedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var batch []*domain.QueuedEvent
	for _, ev := range r.store.events {
		if ev.Status == domain.EventStatusPending && ev.RetryCount < r.opts.MaxRetries {
			batch = append(batch, copyEvent(ev))
		}
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].ObservedAt != batch[j].ObservedAt {
			return batch[i].ObservedAt < batch[j].ObservedAt
		}
		return batch[i].ID < batch[j].ID
	})
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

func (r *EventRepo) MarkSubmitted(ctx context.Context, id int64, seq uint64) error {
	return r.transition(id, func(ev *domain.QueuedEvent) bool {
		ev.Status = domain.EventStatusSubmitted
		ev.LogSequenceNumber = &seq
		ev.LastError = nil
		return true
	})
}

func (r *EventRepo) MarkFailed(ctx context.Context, id int64, msg string) error {
	return r.transition(id, func(ev *domain.QueuedEvent) bool {
		if ev.RetryCount < r.opts.MaxRetries {
			return false
		}
		ev.Status = domain.EventStatusFailed
		ev.LastError = &msg
		return true
	})
}

func (r *EventRepo) IncrementRetry(ctx context.Context, id int64, msg string) error {
	return r.transition(id, func(ev *domain.QueuedEvent) bool {
		ev.RetryCount++
		ev.LastError = &msg
		return true
	})
}

// transition applies fn to a pending row under the write lock.
func (r *EventRepo) transition(id int64, fn func(ev *domain.QueuedEvent) bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	ev, ok := r.store.events[id]
	if !ok {
		return fmt.Errorf("event %d: %w", id, storage.ErrEventNotFound)
	}
	if ev.Status != domain.EventStatusPending || !fn(ev) {
		return fmt.Errorf("event %d: %w", id, storage.ErrInvalidTransition)
	}
	ev.UpdatedAt = r.opts.Clock().Unix()
	return nil
}

func (r *EventRepo) HighestObservedBlock(ctx context.Context) (uint64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if len(r.store.events) == 0 && r.store.prunedBlock == 0 {
		return r.opts.GenesisBlock, nil
	}
	highest := r.store.prunedBlock
	for _, ev := range r.store.events {
		highest = max(highest, ev.BlockNumber)
	}
	return highest, nil
}

func (r *EventRepo) CountByStatus(ctx context.Context) (map[domain.EventStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.EventStatus]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	for _, ev := range r.store.events {
		counts[ev.Status]++
	}
	return counts, nil
}

func (r *EventRepo) DeleteSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var ids []int64
	for id, ev := range r.store.events {
		if ev.Status == domain.EventStatusSubmitted && ev.ObservedAt < cutoff.Unix() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:max(limit, 0)]
	}
	for _, id := range ids {
		ev := r.store.events[id]
		r.store.prunedBlock = max(r.store.prunedBlock, ev.BlockNumber)
		delete(r.store.byFingerprint, ev.Fingerprint)
		delete(r.store.events, id)
	}
	return len(ids), nil
}

func (r *EventRepo) Requeue(ctx context.Context, fingerprint string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	n := 0
	for _, ev := range r.store.events {
		stranded := ev.Status == domain.EventStatusPending && ev.RetryCount >= r.opts.MaxRetries
		if ev.Status != domain.EventStatusFailed && !stranded {
			continue
		}
		if fingerprint != "" && ev.Fingerprint != fingerprint {
			continue
		}
		ev.Status = domain.EventStatusPending
		ev.RetryCount = 0
		ev.LastError = nil
		ev.UpdatedAt = r.opts.Clock().Unix()
		n++
	}
	return n, nil
}

func copyEvent(ev *domain.QueuedEvent) *domain.QueuedEvent {
	c := *ev
	if ev.LogSequenceNumber != nil {
		seq := *ev.LogSequenceNumber
		c.LogSequenceNumber = &seq
	}
	if ev.LastError != nil {
		msg := *ev.LastError
		c.LastError = &msg
	}
	return &c
}

// -----------------------------------------------------------------------------
// Metadata Repository
// -----------------------------------------------------------------------------

type MetadataRepo struct{ store *MemoryStorage }

func NewMetadataRepo(s *MemoryStorage) *MetadataRepo { return &MetadataRepo{store: s} }

func (r *MetadataRepo) Get(ctx context.Context, key string) (string, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	v, ok := r.store.metadata[key]
	return v, ok, nil
}

func (r *MetadataRepo) Set(ctx context.Context, key, value string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.metadata[key] = value
	return nil
}
