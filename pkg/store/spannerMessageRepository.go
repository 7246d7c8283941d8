package store

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/zoff-tech/go-courier/schema"
)

// SpannerMessageRepository persists messages in a Cloud Spanner "messages" table.
type SpannerMessageRepository struct {
	client *spanner.Client
}

func NewSpannerMessageRepository(client *spanner.Client) *SpannerMessageRepository {
	return &SpannerMessageRepository{client: client}
}

const spannerMessageColumns = `id, client_id, direction, content, media_urls, provider, provider_message_id,
       delivery_status, delivery_attempts, last_delivery_attempt_at, last_error, metadata, created_at, updated_at`

func (s *SpannerMessageRepository) StoreInbound(ctx context.Context, params InboundMessageParams) (*schema.Message, error) {
	msg := schema.NewInboundMessage(params.ClientID, params.Content, params.Provider, params.ProviderMessageID)
	msg.Metadata = params.Metadata
	return msg, s.insert(ctx, msg)
}

func (s *SpannerMessageRepository) StoreOutbound(ctx context.Context, params OutboundMessageParams, initial schema.DeliveryStatus) (*schema.Message, error) {
	msg := schema.NewOutboundMessage(params.ClientID, params.Content, params.Provider, initial)
	msg.MediaURLs = params.MediaURLs
	msg.Metadata = params.Metadata
	return msg, s.insert(ctx, msg)
}

func (s *SpannerMessageRepository) insert(ctx context.Context, msg *schema.Message) error {
	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `INSERT INTO messages (id, client_id, direction, content, media_urls, provider, provider_message_id, delivery_status, delivery_attempts, last_error, metadata, created_at, updated_at)
                  VALUES (@id, @clientID, @direction, @content, @mediaURLs, @provider, @providerMessageID, @status, @attempts, @lastError, @metadata, @createdAt, @updatedAt)`,
			Params: map[string]interface{}{
				"id":                msg.ID,
				"clientID":          msg.ClientID,
				"direction":         string(msg.Direction),
				"content":           msg.Content,
				"mediaURLs":         msg.MediaURLs,
				"provider":          string(msg.Provider),
				"providerMessageID": spanner.NullString{StringVal: msg.ProviderMessageID, Valid: msg.ProviderMessageID != ""},
				"status":            string(msg.DeliveryStatus),
				"attempts":          int64(msg.DeliveryAttempts),
				"lastError":         spanner.NullString{StringVal: msg.LastError, Valid: msg.LastError != ""},
				"metadata":          spanner.NullString{StringVal: string(meta), Valid: meta != nil},
				"createdAt":         msg.CreatedAt,
				"updatedAt":         msg.UpdatedAt,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerMessageRepository) UpdateDeliveryStatus(ctx context.Context, id string, status schema.DeliveryStatus, errMsg string) error {
	var affected int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE messages SET delivery_status = @status,
                         last_error = CASE WHEN @lastError != '' THEN @lastError ELSE last_error END,
                         delivery_attempts = delivery_attempts + CASE WHEN @status = 'sent' THEN 1 ELSE 0 END,
                         last_delivery_attempt_at = CASE WHEN @status = 'sent' THEN CURRENT_TIMESTAMP() ELSE last_delivery_attempt_at END,
                         updated_at = CURRENT_TIMESTAMP()
                  WHERE id = @id AND delivery_status NOT IN ('delivered','failed','undelivered','cancelled')`,
			Params: map[string]interface{}{
				"id":        id,
				"status":    string(status),
				"lastError": errMsg,
			},
		}
		n, err := txn.Update(ctx, stmt)
		affected = n
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.classifyMissedUpdate(ctx, id)
	}
	return nil
}

func (s *SpannerMessageRepository) UpdateProviderMessageID(ctx context.Context, id, providerMessageID string) error {
	var affected int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE messages SET provider_message_id = @providerMessageID, updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
			Params: map[string]interface{}{
				"id":                id,
				"providerMessageID": providerMessageID,
			},
		}
		n, err := txn.Update(ctx, stmt)
		affected = n
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SpannerMessageRepository) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE messages SET delivery_status = 'cancelled', updated_at = CURRENT_TIMESTAMP()
                  WHERE id = @id AND delivery_status NOT IN ('delivered','failed','undelivered','cancelled')`,
			Params: map[string]interface{}{"id": id},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerMessageRepository) FindByID(ctx context.Context, id string) (*schema.Message, error) {
	return s.findOne(ctx, spanner.Statement{
		SQL:    `SELECT ` + spannerMessageColumns + ` FROM messages WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	})
}

func (s *SpannerMessageRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*schema.Message, error) {
	return s.findOne(ctx, spanner.Statement{
		SQL:    `SELECT ` + spannerMessageColumns + ` FROM messages WHERE provider_message_id = @providerMessageID`,
		Params: map[string]interface{}{"providerMessageID": providerMessageID},
	})
}

func (s *SpannerMessageRepository) findOne(ctx context.Context, stmt spanner.Statement) (*schema.Message, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanSpannerMessage(row)
}

func (s *SpannerMessageRepository) FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]schema.Message, error) {
	stmt := spanner.Statement{
		SQL: `SELECT ` + spannerMessageColumns + ` FROM messages
              WHERE direction = 'outbound' AND delivery_status IN ('queued','sent') AND updated_at < @cutoff
              ORDER BY updated_at ASC LIMIT @limit`,
		Params: map[string]interface{}{
			"cutoff": cutoff,
			"limit":  int64(limit),
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var msgs []schema.Message
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		msg, err := scanSpannerMessage(row)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, nil
}

func (s *SpannerMessageRepository) classifyMissedUpdate(ctx context.Context, id string) error {
	stmt := spanner.Statement{
		SQL:    `SELECT delivery_status FROM messages WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	_, err := iter.Next()
	if err == iterator.Done {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTerminalStatus
}

func scanSpannerMessage(row *spanner.Row) (*schema.Message, error) {
	var (
		m         schema.Message
		direction string
		mediaURLs []string
		provider  string
		provID    spanner.NullString
		status    string
		attempts  int64
		attemptAt spanner.NullTime
		lastErr   spanner.NullString
		meta      spanner.NullString
	)
	if err := row.Columns(
		&m.ID, &m.ClientID, &direction, &m.Content, &mediaURLs, &provider, &provID,
		&status, &attempts, &attemptAt, &lastErr, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}

	m.Direction = schema.Direction(direction)
	m.MediaURLs = mediaURLs
	m.Provider = schema.Provider(provider)
	m.DeliveryStatus = schema.DeliveryStatus(status)
	m.DeliveryAttempts = int(attempts)
	if provID.Valid {
		m.ProviderMessageID = provID.StringVal
	}
	if attemptAt.Valid {
		t := attemptAt.Time
		m.LastDeliveryAttemptAt = &t
	}
	if lastErr.Valid {
		m.LastError = lastErr.StringVal
	}
	if meta.Valid && meta.StringVal != "" {
		if err := json.Unmarshal([]byte(meta.StringVal), &m.Metadata); err != nil {
			return nil, err
		}
	}
	return &m, nil
}
