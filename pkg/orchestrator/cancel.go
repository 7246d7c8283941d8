package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-courier/pkg/trigger"
	"github.com/zoff-tech/go-courier/schema"
)

// CancelQueueEntry removes one pending or processing entry and cancels its
// message. Cancelling a processing entry unblocks the lane, so a nudge is
// published afterwards. Returns store.ErrEntryNotCancellable for entries that
// already finished and store.ErrNotFound for unknown ids.
func (o *Orchestrator) CancelQueueEntry(ctx context.Context, queueEntryID string) (*schema.QueueEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "CancelQueueEntry",
		trace.WithAttributes(attribute.String("courier.queue_entry_id", queueEntryID)),
	)
	defer span.End()

	entry, err := o.queue.CancelEntry(ctx, queueEntryID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	o.cancelMessage(ctx, entry.MessageID)

	o.log.Info().
		Str("queue_entry_id", entry.ID).
		Str("message_id", entry.MessageID).
		Msg("queue entry cancelled")

	if err := o.bus.Publish(ctx, trigger.ProcessNext(entry.ClientID, entry.QueueName)); err != nil {
		o.log.Warn().Err(err).Msg("failed to publish process-next trigger")
	}
	return entry, nil
}

// CancelAllPendingMessages removes every pending entry of the client across
// all lanes and cancels the referenced messages. In-flight (processing)
// entries finish on their own. Returns the number of cancelled entries.
func (o *Orchestrator) CancelAllPendingMessages(ctx context.Context, clientID string) (int, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "CancelAllPendingMessages",
		trace.WithAttributes(attribute.String("courier.client_id", clientID)),
	)
	defer span.End()

	cancelled, err := o.queue.CancelAllForClient(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	for _, entry := range cancelled {
		o.cancelMessage(ctx, entry.MessageID)
	}

	o.log.Info().
		Str("client_id", clientID).
		Int("count", len(cancelled)).
		Msg("pending messages cancelled")
	span.SetAttributes(attribute.Int("courier.cancelled_count", len(cancelled)))
	return len(cancelled), nil
}
