package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

const eventColumns = `id, topic_id, fingerprint, event_type, payload, block_number,
	transaction_hash, observed_at, status, retry_count, log_sequence_number,
	last_error, created_at, updated_at`

// metaPrunedBlock keeps the highest block removed by retention.
const metaPrunedBlock = "pruned_block_watermark"

// EventRepo implements storage.EventRepository.
type EventRepo struct {
	db   *DB
	opts storage.Options
}

// NewEventRepo creates a new SQL event repository.
func NewEventRepo(db *DB, opts storage.Options) *EventRepo {
	return &EventRepo{db: db, opts: opts}
}

// Insert queues an event unless its fingerprint is already present.
func (r *EventRepo) Insert(ctx context.Context, raw domain.RawEvent) (bool, error) {
	ev := domain.NewQueuedEvent(raw, r.opts.Clock())

	query := r.db.Rebind(`
		INSERT INTO events (
			topic_id, fingerprint, event_type, payload, block_number,
			transaction_hash, observed_at, status, retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING
	`)
	res, err := r.db.ExecContext(
		ctx,
		query,
		ev.TopicID,
		ev.Fingerprint,
		ev.EventType,
		ev.Payload,
		int64(ev.BlockNumber),
		ev.TransactionHash,
		ev.ObservedAt,
		string(ev.Status),
		ev.CreatedAt,
		ev.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// Exists checks whether a fingerprint is queued.
func (r *EventRepo) Exists(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	query := r.db.Rebind(`SELECT EXISTS (SELECT 1 FROM events WHERE fingerprint = ?)`)
	if err := r.db.GetContext(ctx, &exists, query, fingerprint); err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
}

// Get returns the row for a fingerprint.
func (r *EventRepo) Get(ctx context.Context, fingerprint string) (*domain.QueuedEvent, error) {
	var ev domain.QueuedEvent
	query := r.db.Rebind(`SELECT ` + eventColumns + ` FROM events WHERE fingerprint = ?`)
	err := r.db.GetContext(ctx, &ev, query, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

// NextPendingBatch returns pending rows with retry budget left, oldest first.
func (r *EventRepo) NextPendingBatch(ctx context.Context, limit int) ([]*domain.QueuedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := r.db.Rebind(`
		SELECT ` + eventColumns + `
		FROM events
		WHERE status = ? AND retry_count < ?
		ORDER BY observed_at ASC, id ASC
		LIMIT ?
	`)

	var events []*domain.QueuedEvent
	err := r.db.SelectContext(
		ctx,
		&events,
		query,
		string(domain.EventStatusPending),
		r.opts.MaxRetries,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending batch: %w", err)
	}
	return events, nil
}

// MarkSubmitted records a successful submission.
func (r *EventRepo) MarkSubmitted(ctx context.Context, id int64, sequenceNumber uint64) error {
	query := r.db.Rebind(`
		UPDATE events
		SET status = ?, log_sequence_number = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	res, err := r.db.ExecContext(
		ctx,
		query,
		string(domain.EventStatusSubmitted),
		int64(sequenceNumber),
		r.opts.Clock().Unix(),
		id,
		string(domain.EventStatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark submitted: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

// MarkFailed moves an exhausted row to the dead-letter state.
func (r *EventRepo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	query := r.db.Rebind(`
		UPDATE events
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count >= ?
	`)
	res, err := r.db.ExecContext(
		ctx,
		query,
		string(domain.EventStatusFailed),
		errMsg,
		r.opts.Clock().Unix(),
		id,
		string(domain.EventStatusPending),
		r.opts.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

// IncrementRetry counts one failed attempt; the row stays pending.
func (r *EventRepo) IncrementRetry(ctx context.Context, id int64, errMsg string) error {
	query := r.db.Rebind(`
		UPDATE events
		SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	res, err := r.db.ExecContext(
		ctx,
		query,
		errMsg,
		r.opts.Clock().Unix(),
		id,
		string(domain.EventStatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

// checkTransition maps a zero-row update to the right sentinel.
func (r *EventRepo) checkTransition(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	query := r.db.Rebind(`SELECT EXISTS (SELECT 1 FROM events WHERE id = ?)`)
	if err := r.db.GetContext(ctx, &exists, query, id); err != nil {
		return fmt.Errorf("failed to check event %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("event %d: %w", id, storage.ErrEventNotFound)
	}
	return fmt.Errorf("event %d: %w", id, storage.ErrInvalidTransition)
}

// HighestObservedBlock returns MAX(block_number), or the genesis block if empty.
// Blocks removed by retention still count through the pruned watermark.
func (r *EventRepo) HighestObservedBlock(ctx context.Context) (uint64, error) {
	var highest sql.NullInt64
	if err := r.db.GetContext(ctx, &highest, `SELECT MAX(block_number) FROM events`); err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}

	pruned, err := r.prunedWatermark(ctx, r.db.DB)
	if err != nil {
		return 0, err
	}

	if !highest.Valid && pruned == 0 {
		return r.opts.GenesisBlock, nil
	}
	return max(uint64(max(highest.Int64, 0)), pruned), nil
}

func (r *EventRepo) prunedWatermark(ctx context.Context, q sqlx.QueryerContext) (uint64, error) {
	var value string
	err := sqlx.GetContext(ctx, q, &value, r.db.Rebind(`SELECT value FROM metadata WHERE key = ?`), metaPrunedBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned watermark: %w", err)
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid pruned watermark %q: %w", value, err)
	}
	return block, nil
}

// CountByStatus returns row counts for every status, including zeroes.
func (r *EventRepo) CountByStatus(ctx context.Context) (map[domain.EventStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	counts := make(map[domain.EventStatus]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[domain.EventStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// DeleteSubmittedBefore removes a bounded batch of old submitted rows. The
// highest deleted block is folded into the pruned watermark in the same
// transaction so reconciliation never rewinds below it.
func (r *EventRepo) DeleteSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var victims []struct {
		ID          int64  `db:"id"`
		BlockNumber uint64 `db:"block_number"`
	}
	err = tx.SelectContext(ctx, &victims, r.db.Rebind(`
		SELECT id, block_number FROM events
		WHERE status = ? AND observed_at < ?
		ORDER BY id
		LIMIT ?
	`), string(domain.EventStatusSubmitted), cutoff.Unix(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to select prunable events: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(victims))
	var highest uint64
	for i, v := range victims {
		ids[i] = v.ID
		highest = max(highest, v.BlockNumber)
	}

	query, args, err := sqlx.In(`DELETE FROM events WHERE status = ? AND id IN (?)`,
		string(domain.EventStatusSubmitted), ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build prune query: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete submitted events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}

	current, err := r.prunedWatermark(ctx, tx)
	if err != nil {
		return 0, err
	}
	if highest > current {
		_, err = tx.ExecContext(ctx, tx.Rebind(upsertMetadata),
			metaPrunedBlock, strconv.FormatUint(highest, 10), r.opts.Clock().Unix())
		if err != nil {
			return 0, fmt.Errorf("failed to store pruned watermark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return int(n), nil
}

// Requeue gives failed rows, and pending rows left without retry budget, a
// fresh retry budget.
func (r *EventRepo) Requeue(ctx context.Context, fingerprint string) (int, error) {
	query := `
		UPDATE events
		SET status = ?, retry_count = 0, last_error = NULL, updated_at = ?
		WHERE (status = ? OR (status = ? AND retry_count >= ?))
	`
	args := []any{
		string(domain.EventStatusPending),
		r.opts.Clock().Unix(),
		string(domain.EventStatusFailed),
		string(domain.EventStatusPending),
		r.opts.MaxRetries,
	}
	if fingerprint != "" {
		query += ` AND fingerprint = ?`
		args = append(args, fingerprint)
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read requeue result: %w", err)
	}
	return int(n), nil
}
