package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/go-courier/schema"
)

// PostgresQueueRepository persists queue entries in a "queue_entries" table.
type PostgresQueueRepository struct {
	db *sql.DB
}

func NewPostgresQueueRepository(db *sql.DB) *PostgresQueueRepository {
	return &PostgresQueueRepository{db: db}
}

const entryColumns = `id, client_id, message_id, queue_name, sequence_number, status, retry_count, max_retries, last_error, created_at, updated_at`

func (p *PostgresQueueRepository) Enqueue(ctx context.Context, entry *schema.QueueEntry) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Enqueue")
	defer span.End()

	var explicit sql.NullInt64
	if entry.SequenceNumber > 0 {
		explicit = sql.NullInt64{Int64: entry.SequenceNumber, Valid: true}
	}

	start := time.Now()
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO queue_entries (id, client_id, message_id, queue_name, sequence_number, status, retry_count, max_retries, last_error, created_at, updated_at)
         VALUES ($1, $2, $3, $4,
                 COALESCE($5, (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM queue_entries WHERE client_id=$2 AND queue_name=$4 AND status='pending')),
                 $6, $7, $8, $9, $10, $11)
         RETURNING sequence_number`,
		entry.ID, entry.ClientID, entry.MessageID, entry.QueueName, explicit,
		entry.Status, entry.RetryCount, entry.MaxRetries, nullString(entry.LastError),
		entry.CreatedAt, entry.UpdatedAt).Scan(&entry.SequenceNumber)
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", "Enqueue", 1, time.Since(start))
	return nil
}

// EnqueueMany assigns one contiguous block of sequence numbers in a single
// transaction so batch order is preserved under concurrent enqueues.
func (p *PostgresQueueRepository) EnqueueMany(ctx context.Context, entries []*schema.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	lane := entries[0]
	for _, e := range entries[1:] {
		if e.ClientID != lane.ClientID || e.QueueName != lane.QueueName {
			return fmt.Errorf("enqueueMany: entries span multiple lanes")
		}
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "EnqueueMany")
	defer span.End()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var base int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM queue_entries WHERE client_id=$1 AND queue_name=$2 AND status='pending'`,
		lane.ClientID, lane.QueueName).Scan(&base); err != nil {
		span.RecordError(err)
		return err
	}

	start := time.Now()
	for i, entry := range entries {
		entry.SequenceNumber = base + int64(i) + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_entries (id, client_id, message_id, queue_name, sequence_number, status, retry_count, max_retries, last_error, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			entry.ID, entry.ClientID, entry.MessageID, entry.QueueName, entry.SequenceNumber,
			entry.Status, entry.RetryCount, entry.MaxRetries, nullString(entry.LastError),
			entry.CreatedAt, entry.UpdatedAt); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", "EnqueueMany", len(entries), time.Since(start))
	return nil
}

func (p *PostgresQueueRepository) FindNextPending(ctx context.Context, clientID, queueName string) (*schema.QueueEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindNextPending")
	defer span.End()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
         WHERE client_id=$1 AND queue_name=$2 AND status='pending'
         ORDER BY sequence_number ASC, created_at ASC, id ASC LIMIT 1`,
		clientID, queueName)
	entry, err := scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

func (p *PostgresQueueRepository) FindByID(ctx context.Context, id string) (*schema.QueueEntry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id=$1`, id)
	return scanEntry(row)
}

func (p *PostgresQueueRepository) FindByMessageID(ctx context.Context, messageID string) (*schema.QueueEntry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE message_id=$1`, messageID)
	entry, err := scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

func (p *PostgresQueueRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return p.transition(ctx, "MarkProcessing",
		`UPDATE queue_entries SET status='processing', updated_at=now() WHERE id=$1 AND status='pending'`, id)
}

func (p *PostgresQueueRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return p.transition(ctx, "MarkCompleted",
		`UPDATE queue_entries SET status='completed', updated_at=now() WHERE id=$1 AND status='processing'`, id)
}

func (p *PostgresQueueRepository) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkFailed")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE queue_entries SET status='failed', last_error=$2, updated_at=now() WHERE id=$1 AND status NOT IN ('completed','failed')`,
		id, errMsg)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (p *PostgresQueueRepository) IncrementRetryAndReset(ctx context.Context, id, errMsg string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "IncrementRetryAndReset")
	defer span.End()

	_, err := p.db.ExecContext(ctx,
		`UPDATE queue_entries SET status='pending', retry_count = retry_count + 1, last_error=$2, updated_at=now() WHERE id=$1 AND status='processing'`,
		id, errMsg)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *PostgresQueueRepository) CancelEntry(ctx context.Context, id string) (*schema.QueueEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "CancelEntry")
	defer span.End()

	row := p.db.QueryRowContext(ctx,
		`DELETE FROM queue_entries WHERE id=$1 AND status IN ('pending','processing') RETURNING `+entryColumns, id)
	entry, err := scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		var exists bool
		if qerr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM queue_entries WHERE id=$1)`, id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if exists {
			return nil, ErrEntryNotCancellable
		}
		return nil, ErrNotFound
	}
	return entry, err
}

func (p *PostgresQueueRepository) CancelAllForClient(ctx context.Context, clientID string) ([]schema.QueueEntry, error) {
	return p.deleteReturning(ctx, "CancelAllForClient",
		`DELETE FROM queue_entries WHERE client_id=$1 AND status='pending' RETURNING `+entryColumns, clientID)
}

func (p *PostgresQueueRepository) DeleteStalePending(ctx context.Context, clientID, queueName string, cutoff time.Time) ([]schema.QueueEntry, error) {
	return p.deleteReturning(ctx, "DeleteStalePending",
		`DELETE FROM queue_entries WHERE client_id=$1 AND queue_name=$2 AND status='pending' AND created_at < $3 RETURNING `+entryColumns,
		clientID, queueName, cutoff)
}

func (p *PostgresQueueRepository) DeleteFinished(ctx context.Context, clientID, queueName string) (int64, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "DeleteFinished")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE client_id=$1 AND queue_name=$2 AND status IN ('completed','failed')`,
		clientID, queueName)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresQueueRepository) FindStalled(ctx context.Context, cutoff time.Time) ([]schema.QueueEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindStalled")
	defer span.End()

	start := time.Now()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE status='processing' AND updated_at < $1 ORDER BY updated_at ASC`,
		cutoff)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", "FindStalled", len(entries), time.Since(start))
	return entries, nil
}

func (p *PostgresQueueRepository) GetQueueStatus(ctx context.Context, clientID, queueName string) (*schema.QueueStatus, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "GetQueueStatus")
	defer span.End()

	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_entries WHERE client_id=$1 AND queue_name=$2 GROUP BY status`,
		clientID, queueName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	status := &schema.QueueStatus{ClientID: clientID, QueueName: queueName}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		switch schema.EntryStatus(s) {
		case schema.EntryPending:
			status.Pending = n
		case schema.EntryProcessing:
			status.Processing = n
		case schema.EntryCompleted:
			status.Completed = n
		case schema.EntryFailed:
			status.Failed = n
		}
	}
	return status, rows.Err()
}

func (p *PostgresQueueRepository) transition(ctx context.Context, spanName, query, id string) (bool, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	res, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (p *PostgresQueueRepository) deleteReturning(ctx context.Context, spanName, query string, args ...any) ([]schema.QueueEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", spanName, len(entries), time.Since(start))
	return entries, nil
}

func collectEntries(rows *sql.Rows) ([]schema.QueueEntry, error) {
	var entries []schema.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (*schema.QueueEntry, error) {
	var (
		e       schema.QueueEntry
		lastErr sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.ClientID, &e.MessageID, &e.QueueName, &e.SequenceNumber,
		&e.Status, &e.RetryCount, &e.MaxRetries, &lastErr, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastErr.Valid {
		e.LastError = lastErr.String
	}
	return &e, nil
}
