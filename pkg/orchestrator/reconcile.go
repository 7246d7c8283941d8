package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zoff-tech/go-courier/pkg/provider"
	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/trigger"
	"github.com/zoff-tech/go-courier/schema"
)

// ReconcileStats summarizes one reconciliation sweep.
type ReconcileStats struct {
	Examined         int `json:"examined"`
	Confirmed        int `json:"confirmed"`
	AssumedDelivered int `json:"assumed_delivered"`
	Retried          int `json:"retried"`
	Failed           int `json:"failed"`
	Cancelled        int `json:"cancelled"`
	Skipped          int `json:"skipped"`
	Errors           int `json:"errors"`
}

// CheckStalledMessages reconciles entries stuck in processing past the stall
// cutoff. Such entries mean a send crashed mid-flight, a confirmation was
// lost, or the carrier is slow. The carrier status endpoint is the source of
// truth; a carrier that no longer knows the id is resolved optimistically as
// delivered so one ambiguous message cannot block its lane forever.
func (o *Orchestrator) CheckStalledMessages(ctx context.Context) (*ReconcileStats, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "CheckStalledMessages")
	defer span.End()

	cutoff := time.Now().UTC().Add(-o.cfg.StallCutoff)
	stalled, err := o.queue.FindStalled(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	stats := &ReconcileStats{Examined: len(stalled)}
	for i := range stalled {
		entry := &stalled[i]
		if err := o.reconcileStalledEntry(ctx, entry, stats); err != nil {
			o.log.Error().Err(err).
				Str("queue_entry_id", entry.ID).
				Msg("stalled entry reconciliation failed")
			stats.Errors++
		}
	}

	span.SetAttributes(
		attribute.Int("courier.stalled_examined", stats.Examined),
		attribute.Int("courier.stalled_errors", stats.Errors),
	)
	o.log.Info().
		Int("examined", stats.Examined).
		Int("confirmed", stats.Confirmed).
		Int("assumed_delivered", stats.AssumedDelivered).
		Int("retried", stats.Retried).
		Int("failed", stats.Failed).
		Int("errors", stats.Errors).
		Msg("stalled sweep finished")
	return stats, nil
}

func (o *Orchestrator) reconcileStalledEntry(ctx context.Context, entry *schema.QueueEntry, stats *ReconcileStats) error {
	msg, err := o.messages.FindByID(ctx, entry.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		stats.Failed++
		return o.failEntryAndAdvance(ctx, entry, "message not found")
	}
	if err != nil {
		return err
	}

	// Message already settled elsewhere; close the entry to match.
	if msg.DeliveryStatus.Terminal() {
		if msg.DeliveryStatus == schema.DeliveryDelivered {
			stats.Confirmed++
			if _, err := o.queue.MarkCompleted(ctx, entry.ID); err != nil {
				return err
			}
		} else {
			stats.Failed++
			if _, err := o.queue.MarkFailed(ctx, entry.ID, msg.LastError); err != nil {
				return err
			}
		}
		return o.bus.Publish(ctx, trigger.ProcessNext(entry.ClientID, entry.QueueName))
	}

	// No provider id means the send never reached the carrier.
	if msg.ProviderMessageID == "" {
		if entry.RetryCount >= entry.MaxRetries {
			stats.Failed++
		} else {
			stats.Retried++
		}
		return o.retryOrFail(ctx, msg, entry, "send stalled before provider handoff")
	}

	prov, err := o.providers.For(msg.Provider)
	if err != nil {
		stats.Failed++
		return o.failMessageAndAdvance(ctx, msg, entry, schema.DeliveryFailed, err.Error())
	}

	state, err := prov.GetMessageStatus(ctx, msg.ProviderMessageID)
	if err != nil {
		// Carrier unreachable, leave the entry for the next sweep.
		stats.Skipped++
		o.log.Warn().Err(err).Str("message_id", msg.ID).Msg("carrier status query failed")
		return nil
	}

	switch state {
	case provider.StateDelivered:
		stats.Confirmed++
		return o.settleDelivered(ctx, msg, entry)
	case provider.StateFailed, provider.StateUndelivered:
		stats.Failed++
		return o.failMessageAndAdvance(ctx, msg, entry, schema.DeliveryUndelivered, "carrier reported "+string(state))
	case provider.StateSent:
		// Carrier still working on it.
		stats.Skipped++
		return nil
	default:
		// The carrier lost track of the id. Assume delivered rather than
		// risking a duplicate send to the client.
		stats.AssumedDelivered++
		o.log.Warn().
			Str("message_id", msg.ID).
			Str("provider_message_id", msg.ProviderMessageID).
			Msg("carrier has no record, assuming delivered")
		return o.settleDelivered(ctx, msg, entry)
	}
}

func (o *Orchestrator) settleDelivered(ctx context.Context, msg *schema.Message, entry *schema.QueueEntry) error {
	if err := o.messages.UpdateDeliveryStatus(ctx, msg.ID, schema.DeliveryDelivered, ""); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		return err
	}
	if _, err := o.queue.MarkCompleted(ctx, entry.ID); err != nil {
		return err
	}
	return o.bus.Publish(ctx, trigger.ProcessNext(entry.ClientID, entry.QueueName))
}

// CleanupStuckMessages settles outbound messages that sat non-terminal past
// the stuck cutoff without any queue entry driving them, typically after
// lost triggers or manual intervention. Messages that never reached a
// carrier are cancelled; the rest are settled from the carrier status.
func (o *Orchestrator) CleanupStuckMessages(ctx context.Context) (*ReconcileStats, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "CleanupStuckMessages")
	defer span.End()

	cutoff := time.Now().UTC().Add(-o.cfg.StuckCutoff)
	stuck, err := o.messages.FindStuck(ctx, cutoff, o.cfg.StuckBatchSize)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	stats := &ReconcileStats{Examined: len(stuck)}
	for i := range stuck {
		msg := &stuck[i]
		if err := o.reconcileStuckMessage(ctx, msg, stats); err != nil {
			o.log.Error().Err(err).Str("message_id", msg.ID).Msg("stuck message cleanup failed")
			stats.Errors++
		}
	}

	span.SetAttributes(
		attribute.Int("courier.stuck_examined", stats.Examined),
		attribute.Int("courier.stuck_errors", stats.Errors),
	)
	o.log.Info().
		Int("examined", stats.Examined).
		Int("confirmed", stats.Confirmed).
		Int("assumed_delivered", stats.AssumedDelivered).
		Int("cancelled", stats.Cancelled).
		Int("failed", stats.Failed).
		Int("errors", stats.Errors).
		Msg("stuck cleanup finished")
	return stats, nil
}

func (o *Orchestrator) reconcileStuckMessage(ctx context.Context, msg *schema.Message, stats *ReconcileStats) error {
	entry, err := o.queue.FindByMessageID(ctx, msg.ID)
	if err != nil {
		return err
	}

	if msg.ProviderMessageID == "" {
		stats.Cancelled++
		o.cancelMessage(ctx, msg.ID)
		if entry != nil && !entry.Status.Terminal() {
			if _, err := o.queue.CancelEntry(ctx, entry.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return o.bus.Publish(ctx, trigger.ProcessNext(entry.ClientID, entry.QueueName))
		}
		return nil
	}

	prov, err := o.providers.For(msg.Provider)
	if err != nil {
		stats.Failed++
		return o.terminalizeStuck(ctx, msg, entry, schema.DeliveryFailed, err.Error())
	}

	state, err := prov.GetMessageStatus(ctx, msg.ProviderMessageID)
	if err != nil {
		stats.Skipped++
		o.log.Warn().Err(err).Str("message_id", msg.ID).Msg("carrier status query failed")
		return nil
	}

	switch state {
	case provider.StateFailed, provider.StateUndelivered:
		stats.Failed++
		return o.terminalizeStuck(ctx, msg, entry, schema.DeliveryUndelivered, "carrier reported "+string(state))
	case provider.StateSent:
		stats.Skipped++
		return nil
	case provider.StateDelivered:
		stats.Confirmed++
	default:
		stats.AssumedDelivered++
	}

	if err := o.messages.UpdateDeliveryStatus(ctx, msg.ID, schema.DeliveryDelivered, ""); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		return err
	}
	if entry != nil && !entry.Status.Terminal() {
		if _, err := o.queue.MarkCompleted(ctx, entry.ID); err != nil {
			return err
		}
		return o.bus.Publish(ctx, trigger.ProcessNext(entry.ClientID, entry.QueueName))
	}
	return nil
}

func (o *Orchestrator) terminalizeStuck(ctx context.Context, msg *schema.Message, entry *schema.QueueEntry, status schema.DeliveryStatus, errMsg string) error {
	if err := o.messages.UpdateDeliveryStatus(ctx, msg.ID, status, errMsg); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		return err
	}
	if entry != nil && !entry.Status.Terminal() {
		return o.failEntryAndAdvance(ctx, entry, errMsg)
	}
	return nil
}
