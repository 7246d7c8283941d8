package orchestrator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/trigger"
	"github.com/zoff-tech/go-courier/schema"
)

// resolveProviderMessage maps a provider-assigned id to the stored message,
// trying the correlation cache before the store. Returns nil when the id is
// unknown, which callers treat as a stale signal.
func (o *Orchestrator) resolveProviderMessage(ctx context.Context, providerMessageID string) (*schema.Message, error) {
	if corr, err := o.correlations.Get(ctx, providerMessageID); err == nil && corr != nil {
		msg, err := o.messages.FindByID(ctx, corr.MessageID)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	} else if err != nil {
		o.log.Warn().Err(err).Msg("correlation cache read failed")
	}

	msg, err := o.messages.FindByProviderMessageID(ctx, providerMessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

// HandleDeliveryConfirmation finalizes a message the provider reports as
// delivered and advances its lane. Unknown ids and repeated confirmations
// are ignored.
func (o *Orchestrator) HandleDeliveryConfirmation(ctx context.Context, providerMessageID string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "HandleDeliveryConfirmation",
		trace.WithAttributes(attribute.String("courier.provider_message_id", providerMessageID)),
	)
	defer span.End()

	msg, err := o.resolveProviderMessage(ctx, providerMessageID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if msg == nil {
		o.log.Warn().Str("provider_message_id", providerMessageID).Msg("confirmation for unknown message")
		return nil
	}
	if msg.DeliveryStatus.Terminal() {
		return nil
	}

	if err := o.messages.UpdateDeliveryStatus(ctx, msg.ID, schema.DeliveryDelivered, ""); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			return nil
		}
		span.RecordError(err)
		return err
	}

	o.log.Info().Str("message_id", msg.ID).Msg("delivery confirmed")
	return o.completeEntryAndAdvance(ctx, msg.ID)
}

// HandleDeliveryFailure reacts to a provider-reported delivery failure. If
// the entry still has retry budget the message goes around again, otherwise
// it is terminalized as undelivered and the lane advances.
func (o *Orchestrator) HandleDeliveryFailure(ctx context.Context, providerMessageID, errMsg string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "HandleDeliveryFailure",
		trace.WithAttributes(attribute.String("courier.provider_message_id", providerMessageID)),
	)
	defer span.End()

	msg, err := o.resolveProviderMessage(ctx, providerMessageID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if msg == nil {
		o.log.Warn().Str("provider_message_id", providerMessageID).Msg("failure report for unknown message")
		return nil
	}
	if msg.DeliveryStatus.Terminal() {
		return nil
	}

	entry, err := o.queue.FindByMessageID(ctx, msg.ID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if entry == nil || entry.Status.Terminal() {
		// No live entry left; just terminalize the message.
		if err := o.messages.UpdateDeliveryStatus(ctx, msg.ID, schema.DeliveryUndelivered, errMsg); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
			span.RecordError(err)
			return err
		}
		return nil
	}

	return o.retryOrFail(ctx, msg, entry, errMsg)
}

// completeEntryAndAdvance closes the entry backing the message, if any, and
// nudges its lane.
func (o *Orchestrator) completeEntryAndAdvance(ctx context.Context, messageID string) error {
	entry, err := o.queue.FindByMessageID(ctx, messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if _, err := o.queue.MarkCompleted(ctx, entry.ID); err != nil {
		return err
	}
	return o.bus.Publish(ctx, trigger.ProcessNext(entry.ClientID, entry.QueueName))
}
