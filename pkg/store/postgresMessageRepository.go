package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/go-courier/schema"
)

// PostgresMessageRepository persists messages in a "messages" table.
type PostgresMessageRepository struct {
	db *sql.DB // using database/sql
}

func NewPostgresMessageRepository(db *sql.DB) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

const messageColumns = `id, client_id, direction, content, media_urls, provider, provider_message_id,
       delivery_status, delivery_attempts, last_delivery_attempt_at, last_error, metadata, created_at, updated_at`

// Terminal statuses are never overwritten; every transition statement carries
// this guard.
const notTerminal = `delivery_status NOT IN ('delivered','failed','undelivered','cancelled')`

func (p *PostgresMessageRepository) StoreInbound(ctx context.Context, params InboundMessageParams) (*schema.Message, error) {
	msg := schema.NewInboundMessage(params.ClientID, params.Content, params.Provider, params.ProviderMessageID)
	msg.Metadata = params.Metadata
	if err := p.insert(ctx, "StoreInbound", msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *PostgresMessageRepository) StoreOutbound(ctx context.Context, params OutboundMessageParams, initial schema.DeliveryStatus) (*schema.Message, error) {
	msg := schema.NewOutboundMessage(params.ClientID, params.Content, params.Provider, initial)
	msg.MediaURLs = params.MediaURLs
	msg.Metadata = params.Metadata
	if err := p.insert(ctx, "StoreOutbound", msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *PostgresMessageRepository) insert(ctx context.Context, spanName string, msg *schema.Message) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		span.RecordError(err)
		return err
	}

	start := time.Now()
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO messages (id, client_id, direction, content, media_urls, provider, provider_message_id, delivery_status, delivery_attempts, last_error, metadata, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		msg.ID, msg.ClientID, msg.Direction, msg.Content, pq.Array(msg.MediaURLs), msg.Provider,
		nullString(msg.ProviderMessageID), msg.DeliveryStatus, msg.DeliveryAttempts,
		nullString(msg.LastError), meta, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, 1, time.Since(start))
	return nil
}

func (p *PostgresMessageRepository) UpdateDeliveryStatus(ctx context.Context, id string, status schema.DeliveryStatus, errMsg string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "UpdateDeliveryStatus")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status=$2,
                last_error = CASE WHEN $3 <> '' THEN $3 ELSE last_error END,
                delivery_attempts = delivery_attempts + CASE WHEN $2 = 'sent' THEN 1 ELSE 0 END,
                last_delivery_attempt_at = CASE WHEN $2 = 'sent' THEN now() ELSE last_delivery_attempt_at END,
                updated_at = now()
         WHERE id=$1 AND `+notTerminal,
		id, status, errMsg)
	if err != nil {
		span.RecordError(err)
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return p.classifyMissedUpdate(ctx, id)
	}
	return nil
}

func (p *PostgresMessageRepository) UpdateProviderMessageID(ctx context.Context, id, providerMessageID string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "UpdateProviderMessageID")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE messages SET provider_message_id=$2, updated_at=now() WHERE id=$1`,
		id, providerMessageID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCancelled is a no-op for messages already in a terminal status.
func (p *PostgresMessageRepository) MarkCancelled(ctx context.Context, id string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkCancelled")
	defer span.End()

	_, err := p.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status='cancelled', updated_at=now() WHERE id=$1 AND `+notTerminal, id)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *PostgresMessageRepository) FindByID(ctx context.Context, id string) (*schema.Message, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindMessageByID")
	defer span.End()

	row := p.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	return scanMessage(row)
}

func (p *PostgresMessageRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*schema.Message, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindByProviderMessageID")
	defer span.End()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id=$1`, providerMessageID)
	return scanMessage(row)
}

func (p *PostgresMessageRepository) FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]schema.Message, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindStuck")
	defer span.End()

	start := time.Now()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
         WHERE direction='outbound' AND delivery_status IN ('queued','sent') AND updated_at < $1
         ORDER BY updated_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var msgs []schema.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", "FindStuck", len(msgs), time.Since(start))
	return msgs, nil
}

func (p *PostgresMessageRepository) classifyMissedUpdate(ctx context.Context, id string) error {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT delivery_status FROM messages WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTerminalStatus
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*schema.Message, error) {
	var (
		m         schema.Message
		mediaURLs pq.StringArray
		provID    sql.NullString
		attemptAt sql.NullTime
		lastErr   sql.NullString
		meta      []byte
	)
	err := row.Scan(
		&m.ID, &m.ClientID, &m.Direction, &m.Content, &mediaURLs, &m.Provider, &provID,
		&m.DeliveryStatus, &m.DeliveryAttempts, &attemptAt, &lastErr, &meta, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.MediaURLs = mediaURLs
	if provID.Valid {
		m.ProviderMessageID = provID.String
	}
	if attemptAt.Valid {
		t := attemptAt.Time
		m.LastDeliveryAttemptAt = &t
	}
	if lastErr.Valid {
		m.LastError = lastErr.String
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	return json.Marshal(metadata)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
