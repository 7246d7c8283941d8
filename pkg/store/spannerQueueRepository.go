package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/zoff-tech/go-courier/schema"
)

// SpannerQueueRepository persists queue entries in a Cloud Spanner
// "queue_entries" table.
type SpannerQueueRepository struct {
	client *spanner.Client
}

func NewSpannerQueueRepository(client *spanner.Client) *SpannerQueueRepository {
	return &SpannerQueueRepository{client: client}
}

const spannerEntryColumns = `id, client_id, message_id, queue_name, sequence_number, status, retry_count, max_retries, last_error, created_at, updated_at`

func (s *SpannerQueueRepository) Enqueue(ctx context.Context, entry *schema.QueueEntry) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		if entry.SequenceNumber == 0 {
			base, err := s.maxPendingSeq(ctx, txn, entry.ClientID, entry.QueueName)
			if err != nil {
				return err
			}
			entry.SequenceNumber = base + 1
		}
		return s.insert(ctx, txn, entry)
	})
	return err
}

func (s *SpannerQueueRepository) EnqueueMany(ctx context.Context, entries []*schema.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	lane := entries[0]
	for _, e := range entries[1:] {
		if e.ClientID != lane.ClientID || e.QueueName != lane.QueueName {
			return fmt.Errorf("enqueueMany: entries span multiple lanes")
		}
	}

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		base, err := s.maxPendingSeq(ctx, txn, lane.ClientID, lane.QueueName)
		if err != nil {
			return err
		}
		for i, entry := range entries {
			entry.SequenceNumber = base + int64(i) + 1
			if err := s.insert(ctx, txn, entry); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *SpannerQueueRepository) insert(ctx context.Context, txn *spanner.ReadWriteTransaction, entry *schema.QueueEntry) error {
	stmt := spanner.Statement{
		SQL: `INSERT INTO queue_entries (id, client_id, message_id, queue_name, sequence_number, status, retry_count, max_retries, last_error, created_at, updated_at)
              VALUES (@id, @clientID, @messageID, @queueName, @seq, @status, @retryCount, @maxRetries, @lastError, @createdAt, @updatedAt)`,
		Params: map[string]interface{}{
			"id":         entry.ID,
			"clientID":   entry.ClientID,
			"messageID":  entry.MessageID,
			"queueName":  entry.QueueName,
			"seq":        entry.SequenceNumber,
			"status":     string(entry.Status),
			"retryCount": int64(entry.RetryCount),
			"maxRetries": int64(entry.MaxRetries),
			"lastError":  spanner.NullString{StringVal: entry.LastError, Valid: entry.LastError != ""},
			"createdAt":  entry.CreatedAt,
			"updatedAt":  entry.UpdatedAt,
		},
	}
	_, err := txn.Update(ctx, stmt)
	return err
}

func (s *SpannerQueueRepository) maxPendingSeq(ctx context.Context, txn *spanner.ReadWriteTransaction, clientID, queueName string) (int64, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COALESCE(MAX(sequence_number), 0) FROM queue_entries
              WHERE client_id = @clientID AND queue_name = @queueName AND status = 'pending'`,
		Params: map[string]interface{}{
			"clientID":  clientID,
			"queueName": queueName,
		},
	}
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return 0, err
	}
	var base int64
	if err := row.Columns(&base); err != nil {
		return 0, err
	}
	return base, nil
}

func (s *SpannerQueueRepository) FindNextPending(ctx context.Context, clientID, queueName string) (*schema.QueueEntry, error) {
	return s.findOne(ctx, spanner.Statement{
		SQL: `SELECT ` + spannerEntryColumns + ` FROM queue_entries
              WHERE client_id = @clientID AND queue_name = @queueName AND status = 'pending'
              ORDER BY sequence_number ASC, created_at ASC LIMIT 1`,
		Params: map[string]interface{}{
			"clientID":  clientID,
			"queueName": queueName,
		},
	}, true)
}

func (s *SpannerQueueRepository) FindByID(ctx context.Context, id string) (*schema.QueueEntry, error) {
	return s.findOne(ctx, spanner.Statement{
		SQL:    `SELECT ` + spannerEntryColumns + ` FROM queue_entries WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}, false)
}

func (s *SpannerQueueRepository) FindByMessageID(ctx context.Context, messageID string) (*schema.QueueEntry, error) {
	return s.findOne(ctx, spanner.Statement{
		SQL:    `SELECT ` + spannerEntryColumns + ` FROM queue_entries WHERE message_id = @messageID`,
		Params: map[string]interface{}{"messageID": messageID},
	}, true)
}

// findOne returns (nil, nil) for an empty result when nilOnMiss is set,
// otherwise ErrNotFound.
func (s *SpannerQueueRepository) findOne(ctx context.Context, stmt spanner.Statement, nilOnMiss bool) (*schema.QueueEntry, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		if nilOnMiss {
			return nil, nil
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanSpannerEntry(row)
}

func (s *SpannerQueueRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx,
		`UPDATE queue_entries SET status = 'processing', updated_at = CURRENT_TIMESTAMP() WHERE id = @id AND status = 'pending'`,
		map[string]interface{}{"id": id})
}

func (s *SpannerQueueRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx,
		`UPDATE queue_entries SET status = 'completed', updated_at = CURRENT_TIMESTAMP() WHERE id = @id AND status = 'processing'`,
		map[string]interface{}{"id": id})
}

func (s *SpannerQueueRepository) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	return s.transition(ctx,
		`UPDATE queue_entries SET status = 'failed', last_error = @lastError, updated_at = CURRENT_TIMESTAMP()
         WHERE id = @id AND status NOT IN ('completed','failed')`,
		map[string]interface{}{"id": id, "lastError": errMsg})
}

func (s *SpannerQueueRepository) IncrementRetryAndReset(ctx context.Context, id, errMsg string) error {
	_, err := s.transition(ctx,
		`UPDATE queue_entries SET status = 'pending', retry_count = retry_count + 1, last_error = @lastError, updated_at = CURRENT_TIMESTAMP()
         WHERE id = @id AND status = 'processing'`,
		map[string]interface{}{"id": id, "lastError": errMsg})
	return err
}

func (s *SpannerQueueRepository) transition(ctx context.Context, sql string, params map[string]interface{}) (bool, error) {
	var affected int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		n, err := txn.Update(ctx, spanner.Statement{SQL: sql, Params: params})
		affected = n
		return err
	})
	return affected > 0, err
}

func (s *SpannerQueueRepository) CancelEntry(ctx context.Context, id string) (*schema.QueueEntry, error) {
	var entry *schema.QueueEntry
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		iter := txn.Query(ctx, spanner.Statement{
			SQL:    `SELECT ` + spannerEntryColumns + ` FROM queue_entries WHERE id = @id`,
			Params: map[string]interface{}{"id": id},
		})
		defer iter.Stop()

		row, err := iter.Next()
		if err == iterator.Done {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		e, err := scanSpannerEntry(row)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return ErrEntryNotCancellable
		}

		if _, err := txn.Update(ctx, spanner.Statement{
			SQL:    `DELETE FROM queue_entries WHERE id = @id`,
			Params: map[string]interface{}{"id": id},
		}); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SpannerQueueRepository) CancelAllForClient(ctx context.Context, clientID string) ([]schema.QueueEntry, error) {
	return s.deleteReturning(ctx,
		`SELECT `+spannerEntryColumns+` FROM queue_entries WHERE client_id = @clientID AND status = 'pending'`,
		map[string]interface{}{"clientID": clientID})
}

func (s *SpannerQueueRepository) DeleteStalePending(ctx context.Context, clientID, queueName string, cutoff time.Time) ([]schema.QueueEntry, error) {
	return s.deleteReturning(ctx,
		`SELECT `+spannerEntryColumns+` FROM queue_entries
         WHERE client_id = @clientID AND queue_name = @queueName AND status = 'pending' AND created_at < @cutoff`,
		map[string]interface{}{"clientID": clientID, "queueName": queueName, "cutoff": cutoff})
}

func (s *SpannerQueueRepository) deleteReturning(ctx context.Context, sql string, params map[string]interface{}) ([]schema.QueueEntry, error) {
	var entries []schema.QueueEntry
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		entries = entries[:0]
		iter := txn.Query(ctx, spanner.Statement{SQL: sql, Params: params})
		defer iter.Stop()

		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			e, err := scanSpannerEntry(row)
			if err != nil {
				return err
			}
			entries = append(entries, *e)
		}

		for _, e := range entries {
			if _, err := txn.Update(ctx, spanner.Statement{
				SQL:    `DELETE FROM queue_entries WHERE id = @id`,
				Params: map[string]interface{}{"id": e.ID},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *SpannerQueueRepository) DeleteFinished(ctx context.Context, clientID, queueName string) (int64, error) {
	var affected int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		n, err := txn.Update(ctx, spanner.Statement{
			SQL: `DELETE FROM queue_entries WHERE client_id = @clientID AND queue_name = @queueName AND status IN ('completed','failed')`,
			Params: map[string]interface{}{
				"clientID":  clientID,
				"queueName": queueName,
			},
		})
		affected = n
		return err
	})
	return affected, err
}

func (s *SpannerQueueRepository) FindStalled(ctx context.Context, cutoff time.Time) ([]schema.QueueEntry, error) {
	stmt := spanner.Statement{
		SQL: `SELECT ` + spannerEntryColumns + ` FROM queue_entries
              WHERE status = 'processing' AND updated_at < @cutoff ORDER BY updated_at ASC`,
		Params: map[string]interface{}{"cutoff": cutoff},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var entries []schema.QueueEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		e, err := scanSpannerEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func (s *SpannerQueueRepository) GetQueueStatus(ctx context.Context, clientID, queueName string) (*schema.QueueStatus, error) {
	stmt := spanner.Statement{
		SQL: `SELECT status, COUNT(*) FROM queue_entries
              WHERE client_id = @clientID AND queue_name = @queueName GROUP BY status`,
		Params: map[string]interface{}{
			"clientID":  clientID,
			"queueName": queueName,
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	status := &schema.QueueStatus{ClientID: clientID, QueueName: queueName}
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var (
			st string
			n  int64
		)
		if err := row.Columns(&st, &n); err != nil {
			return nil, err
		}
		switch schema.EntryStatus(st) {
		case schema.EntryPending:
			status.Pending = int(n)
		case schema.EntryProcessing:
			status.Processing = int(n)
		case schema.EntryCompleted:
			status.Completed = int(n)
		case schema.EntryFailed:
			status.Failed = int(n)
		}
	}
	return status, nil
}

func scanSpannerEntry(row *spanner.Row) (*schema.QueueEntry, error) {
	var (
		e          schema.QueueEntry
		status     string
		retryCount int64
		maxRetries int64
		lastErr    spanner.NullString
	)
	if err := row.Columns(
		&e.ID, &e.ClientID, &e.MessageID, &e.QueueName, &e.SequenceNumber,
		&status, &retryCount, &maxRetries, &lastErr, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.EntryStatus(status)
	e.RetryCount = int(retryCount)
	e.MaxRetries = int(maxRetries)
	if lastErr.Valid {
		e.LastError = lastErr.StringVal
	}
	return &e, nil
}
