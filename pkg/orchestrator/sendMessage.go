package orchestrator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-courier/pkg/cache"
	"github.com/zoff-tech/go-courier/pkg/provider"
	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/trigger"
	"github.com/zoff-tech/go-courier/schema"
)

// SendQueuedMessage claims the entry and dispatches its message through the
// configured delivery provider. The claim is a conditional pending ->
// processing transition, so a re-delivered trigger finds nothing to claim and
// returns without effect. On provider acceptance the entry stays processing
// until a delivery confirmation or failure arrives.
func (o *Orchestrator) SendQueuedMessage(ctx context.Context, queueEntryID string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "SendQueuedMessage",
		trace.WithAttributes(attribute.String("courier.queue_entry_id", queueEntryID)),
	)
	defer span.End()

	entry, err := o.queue.FindByID(ctx, queueEntryID)
	if errors.Is(err, store.ErrNotFound) {
		// Entry cancelled between trigger publish and consumption.
		o.log.Debug().Str("queue_entry_id", queueEntryID).Msg("send trigger for missing entry")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	claimed, err := o.queue.MarkProcessing(ctx, entry.ID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !claimed {
		span.SetAttributes(attribute.Bool("courier.duplicate_trigger", true))
		return nil
	}

	msg, err := o.messages.FindByID(ctx, entry.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Error().
			Str("queue_entry_id", entry.ID).
			Str("message_id", entry.MessageID).
			Msg("queue entry references missing message")
		return o.failEntryAndAdvance(ctx, entry, "message not found")
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	if msg.DeliveryStatus.Terminal() {
		// Message reached a terminal state through another path; close the
		// entry and keep the lane moving.
		if _, err := o.queue.MarkCompleted(ctx, entry.ID); err != nil {
			span.RecordError(err)
			return err
		}
		return o.bus.Publish(ctx, trigger.ProcessNext(entry.ClientID, entry.QueueName))
	}

	prov, err := o.providers.For(msg.Provider)
	if err != nil {
		span.RecordError(err)
		return o.failMessageAndAdvance(ctx, msg, entry, schema.DeliveryFailed, err.Error())
	}

	if err := o.messages.UpdateDeliveryStatus(ctx, msg.ID, schema.DeliverySent, ""); err != nil {
		span.RecordError(err)
		return err
	}

	result, sendErr := prov.SendMessage(ctx, provider.SendRequest{
		MessageID: msg.ID,
		ClientID:  msg.ClientID,
		Content:   msg.Content,
		MediaURLs: msg.MediaURLs,
		Metadata:  msg.Metadata,
	})
	if sendErr != nil {
		span.RecordError(sendErr)
		return o.handleSendFailure(ctx, msg, entry, sendErr)
	}

	if err := o.messages.UpdateProviderMessageID(ctx, msg.ID, result.ProviderMessageID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := o.correlations.Put(ctx, result.ProviderMessageID, cache.Correlation{
		MessageID: msg.ID,
		ClientID:  msg.ClientID,
	}); err != nil {
		o.log.Warn().Err(err).Str("message_id", msg.ID).Msg("correlation cache write failed")
	}

	o.log.Info().
		Str("message_id", msg.ID).
		Str("provider_message_id", result.ProviderMessageID).
		Str("provider", string(msg.Provider)).
		Msg("message handed to provider")

	// The local simulator has no webhook, confirm on its behalf.
	if msg.Provider == schema.ProviderSimulator {
		return o.bus.PublishAfter(ctx, trigger.DeliveryConfirmed(result.ProviderMessageID), o.cfg.SimulatorConfirmDelay)
	}
	return nil
}

// handleSendFailure routes a provider error by class.
func (o *Orchestrator) handleSendFailure(ctx context.Context, msg *schema.Message, entry *schema.QueueEntry, sendErr error) error {
	switch provider.Classify(sendErr) {
	case provider.ClassUnsubscribe:
		return o.handleUnsubscribe(ctx, msg, entry, sendErr.Error())
	case provider.ClassNonRetryable:
		return o.failMessageAndAdvance(ctx, msg, entry, schema.DeliveryFailed, sendErr.Error())
	default:
		return o.retryOrFail(ctx, msg, entry, sendErr.Error())
	}
}

// handleUnsubscribe terminalizes the failing message, cancels every pending
// message of the client and cancels the subscription. The lane is not
// advanced; the client has nothing deliverable left.
func (o *Orchestrator) handleUnsubscribe(ctx context.Context, msg *schema.Message, entry *schema.QueueEntry, errMsg string) error {
	o.log.Info().
		Str("client_id", msg.ClientID).
		Str("message_id", msg.ID).
		Msg("recipient unsubscribed, cancelling pending messages")

	if err := o.messages.UpdateDeliveryStatus(ctx, msg.ID, schema.DeliveryFailed, errMsg); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		return err
	}
	if _, err := o.queue.MarkFailed(ctx, entry.ID, errMsg); err != nil {
		return err
	}

	if _, err := o.CancelAllPendingMessages(ctx, msg.ClientID); err != nil {
		o.log.Error().Err(err).Str("client_id", msg.ClientID).Msg("pending cascade cancel failed")
	}
	if err := o.subscriptions.CancelSubscription(ctx, msg.ClientID); err != nil {
		o.log.Error().Err(err).Str("client_id", msg.ClientID).Msg("subscription cancel failed")
	}
	return nil
}

// retryOrFail resets the entry for another attempt with backoff, or
// terminalizes it when retries are exhausted.
func (o *Orchestrator) retryOrFail(ctx context.Context, msg *schema.Message, entry *schema.QueueEntry, errMsg string) error {
	if entry.RetryCount >= entry.MaxRetries {
		o.log.Info().
			Str("message_id", msg.ID).
			Int("retry_count", entry.RetryCount).
			Msg("retries exhausted")
		return o.failMessageAndAdvance(ctx, msg, entry, schema.DeliveryUndelivered, errMsg)
	}

	if err := o.messages.UpdateDeliveryStatus(ctx, msg.ID, schema.DeliveryQueued, errMsg); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		return err
	}
	if err := o.queue.IncrementRetryAndReset(ctx, entry.ID, errMsg); err != nil {
		return err
	}

	backoff := o.retryBackoff(entry.RetryCount)
	o.log.Info().
		Str("message_id", msg.ID).
		Int("retry_count", entry.RetryCount+1).
		Dur("backoff", backoff).
		Msg("delivery retry scheduled")
	return o.bus.PublishAfter(ctx, trigger.ProcessNext(entry.ClientID, entry.QueueName), backoff)
}

// failMessageAndAdvance terminalizes message and entry, then nudges the lane.
func (o *Orchestrator) failMessageAndAdvance(ctx context.Context, msg *schema.Message, entry *schema.QueueEntry, status schema.DeliveryStatus, errMsg string) error {
	if err := o.messages.UpdateDeliveryStatus(ctx, msg.ID, status, errMsg); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		return err
	}
	return o.failEntryAndAdvance(ctx, entry, errMsg)
}

func (o *Orchestrator) failEntryAndAdvance(ctx context.Context, entry *schema.QueueEntry, errMsg string) error {
	if _, err := o.queue.MarkFailed(ctx, entry.ID, errMsg); err != nil {
		return err
	}
	return o.bus.Publish(ctx, trigger.ProcessNext(entry.ClientID, entry.QueueName))
}
