package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

var (
	// ErrEventNotFound is returned when no queue row matches.
	ErrEventNotFound = errors.New("event not found")

	// ErrInvalidTransition is returned when a status change is applied to a row
	// that is no longer pending.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Options holds the store-level policy shared by every EventRepository.
type Options struct {
	// MaxRetries bounds NextPendingBatch eligibility.
	MaxRetries int
	// GenesisBlock is the watermark reported for an empty store.
	GenesisBlock uint64
	// Now overrides the clock used for audit timestamps.
	Now func() time.Time
}

// Clock returns o.Now or time.Now.
func (o Options) Clock() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// EventRepository is the durable queue of observed events.
type EventRepository interface {
	// Insert queues a raw event as pending. Returns false, nil if the
	// fingerprint is already known.
	Insert(ctx context.Context, event domain.RawEvent) (bool, error)

	// Exists checks whether a fingerprint has been queued.
	Exists(ctx context.Context, fingerprint string) (bool, error)

	// Get returns the row for a fingerprint.
	Get(ctx context.Context, fingerprint string) (*domain.QueuedEvent, error)

	// NextPendingBatch returns up to limit pending rows with retry budget left,
	// oldest observed first.
	NextPendingBatch(ctx context.Context, limit int) ([]*domain.QueuedEvent, error)

	// MarkSubmitted moves a pending row to submitted and stamps its sequence number.
	MarkSubmitted(ctx context.Context, id int64, sequenceNumber uint64) error

	// MarkFailed moves a pending row to the terminal failed state.
	MarkFailed(ctx context.Context, id int64, errMsg string) error

	// IncrementRetry bumps the retry count of a pending row and records the error.
	IncrementRetry(ctx context.Context, id int64, errMsg string) error

	// HighestObservedBlock returns the reconciliation watermark.
	HighestObservedBlock(ctx context.Context) (uint64, error)

	// CountByStatus returns row counts keyed by status.
	CountByStatus(ctx context.Context) (map[domain.EventStatus]int, error)

	// DeleteSubmittedBefore removes up to limit submitted rows observed before cutoff.
	DeleteSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)

	// Requeue resets failed rows, and pending rows whose retry budget is
	// spent, to pending with a fresh retry budget. An empty fingerprint
	// requeues every such row.
	Requeue(ctx context.Context, fingerprint string) (int, error)
}

// MetadataRepository is a small key/value table kept beside the queue.
type MetadataRepository interface {
	// Get returns the value for key, or "" and false.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set upserts key.
	Set(ctx context.Context, key, value string) error
}

// Metadata keys.
const (
	MetaInstanceID          = "relay_instance_id"
	MetaLastReconciledBlock = "last_reconciled_block"
)
