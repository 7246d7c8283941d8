package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/trigger"
	"github.com/zoff-tech/go-courier/schema"
)

// DefaultQueueName is used when the caller does not name a lane.
const DefaultQueueName = "default"

// QueueMessageParams describes one outbound message to enqueue.
type QueueMessageParams struct {
	ClientID  string
	QueueName string
	Content   string
	MediaURLs []string
	Provider  schema.Provider
	Metadata  map[string]string
}

func (p *QueueMessageParams) normalize() {
	if p.QueueName == "" {
		p.QueueName = DefaultQueueName
	}
}

func (o *Orchestrator) validate(p QueueMessageParams) error {
	if p.ClientID == "" {
		return validationErrorf("client id is required")
	}
	if p.Content == "" {
		return validationErrorf("content is empty")
	}
	prov, err := o.providers.For(p.Provider)
	if err != nil {
		return validationErrorf("unknown provider %q", p.Provider)
	}
	if max := prov.MaxContentLength(); max > 0 && len([]rune(p.Content)) > max {
		return validationErrorf("content exceeds %d characters for provider %s", max, p.Provider)
	}
	return nil
}

// QueueMessage validates, stores and enqueues one outbound message, then
// nudges the lane. The message is persisted before its queue entry so an
// entry never references a missing message.
func (o *Orchestrator) QueueMessage(ctx context.Context, params QueueMessageParams) (*schema.Message, *schema.QueueEntry, error) {
	params.normalize()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "QueueMessage",
		trace.WithAttributes(
			attribute.String("courier.client_id", params.ClientID),
			attribute.String("courier.queue_name", params.QueueName),
		),
	)
	defer span.End()

	if err := o.validate(params); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	msg, err := o.messages.StoreOutbound(ctx, store.OutboundMessageParams{
		ClientID:  params.ClientID,
		Content:   params.Content,
		MediaURLs: params.MediaURLs,
		Provider:  params.Provider,
		Metadata:  params.Metadata,
	}, schema.DeliveryQueued)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	entry := schema.NewQueueEntry(params.ClientID, msg.ID, params.QueueName, o.cfg.MaxRetries)
	if err := o.queue.Enqueue(ctx, entry); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	o.log.Info().
		Str("message_id", msg.ID).
		Str("client_id", params.ClientID).
		Str("queue_name", params.QueueName).
		Int64("sequence_number", entry.SequenceNumber).
		Msg("message queued")

	if err := o.bus.Publish(ctx, trigger.ProcessNext(params.ClientID, params.QueueName)); err != nil {
		// The entry is persisted; reconciliation picks it up if the nudge
		// is lost.
		o.log.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to publish process-next trigger")
	}
	return msg, entry, nil
}

// QueueMessages enqueues a batch for one lane, preserving slice order in the
// assigned sequence numbers. Validation covers the whole batch before any
// write happens.
func (o *Orchestrator) QueueMessages(ctx context.Context, clientID, queueName string, batch []QueueMessageParams) ([]*schema.Message, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "QueueMessages",
		trace.WithAttributes(
			attribute.String("courier.client_id", clientID),
			attribute.String("courier.queue_name", queueName),
			attribute.Int("courier.batch_size", len(batch)),
		),
	)
	defer span.End()

	if len(batch) == 0 {
		return nil, validationErrorf("batch is empty")
	}
	for i := range batch {
		batch[i].ClientID = clientID
		batch[i].QueueName = queueName
		if err := o.validate(batch[i]); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	messages := make([]*schema.Message, 0, len(batch))
	entries := make([]*schema.QueueEntry, 0, len(batch))
	for _, params := range batch {
		msg, err := o.messages.StoreOutbound(ctx, store.OutboundMessageParams{
			ClientID:  params.ClientID,
			Content:   params.Content,
			MediaURLs: params.MediaURLs,
			Provider:  params.Provider,
			Metadata:  params.Metadata,
		}, schema.DeliveryQueued)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		messages = append(messages, msg)
		entries = append(entries, schema.NewQueueEntry(clientID, msg.ID, queueName, o.cfg.MaxRetries))
	}

	if err := o.queue.EnqueueMany(ctx, entries); err != nil {
		span.RecordError(err)
		return nil, err
	}

	o.log.Info().
		Str("client_id", clientID).
		Str("queue_name", queueName).
		Int("count", len(entries)).
		Msg("batch queued")

	if err := o.bus.Publish(ctx, trigger.ProcessNext(clientID, queueName)); err != nil {
		o.log.Warn().Err(err).Str("client_id", clientID).Msg("failed to publish process-next trigger")
	}
	return messages, nil
}

// RecordInboundMessage persists a message received from a client. Inbound
// messages never enter the delivery queue.
func (o *Orchestrator) RecordInboundMessage(ctx context.Context, params store.InboundMessageParams) (*schema.Message, error) {
	if params.ClientID == "" {
		return nil, validationErrorf("client id is required")
	}
	if params.Content == "" {
		return nil, validationErrorf("content is empty")
	}
	return o.messages.StoreInbound(ctx, params)
}
