package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-courier/pkg/trigger"
	"github.com/zoff-tech/go-courier/schema"
)

// ProcessNext advances one lane: it sweeps stale pending entries, then hands
// the lowest-sequence pending entry to the send step. While an entry of the
// lane is processing, nothing is handed out; the confirmation or failure of
// that entry re-triggers this operation.
func (o *Orchestrator) ProcessNext(ctx context.Context, clientID, queueName string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ProcessNext",
		trace.WithAttributes(
			attribute.String("courier.client_id", clientID),
			attribute.String("courier.queue_name", queueName),
		),
	)
	defer span.End()

	if err := o.sweepStalePending(ctx, clientID, queueName); err != nil {
		o.log.Warn().Err(err).
			Str("client_id", clientID).
			Str("queue_name", queueName).
			Msg("stale pending sweep failed")
	}

	status, err := o.queue.GetQueueStatus(ctx, clientID, queueName)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if status.Processing > 0 {
		// Single-flight per lane. The in-flight entry advances the lane on
		// confirmation, failure or the stalled-entry sweep.
		span.SetAttributes(attribute.Bool("courier.lane_busy", true))
		return nil
	}

	entry, err := o.queue.FindNextPending(ctx, clientID, queueName)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if entry == nil {
		// Lane drained, garbage collect finished entries.
		if _, err := o.queue.DeleteFinished(ctx, clientID, queueName); err != nil {
			o.log.Warn().Err(err).
				Str("client_id", clientID).
				Str("queue_name", queueName).
				Msg("finished entry cleanup failed")
		}
		return nil
	}

	span.SetAttributes(attribute.String("courier.queue_entry_id", entry.ID))
	return o.bus.Publish(ctx, trigger.SendMessage(entry.ID, clientID, queueName))
}

// sweepStalePending cancels pending entries older than the stale cutoff and
// their messages. A zero cutoff disables the sweep.
func (o *Orchestrator) sweepStalePending(ctx context.Context, clientID, queueName string) error {
	if o.cfg.StalePendingCutoff <= 0 {
		return nil
	}

	cutoff := time.Now().UTC().Add(-o.cfg.StalePendingCutoff)
	stale, err := o.queue.DeleteStalePending(ctx, clientID, queueName, cutoff)
	if err != nil {
		return err
	}
	for _, entry := range stale {
		o.cancelMessage(ctx, entry.MessageID)
		o.log.Info().
			Str("queue_entry_id", entry.ID).
			Str("message_id", entry.MessageID).
			Msg("stale pending entry cancelled")
	}
	return nil
}

// cancelMessage best-effort cancels a message, tolerating terminal state.
func (o *Orchestrator) cancelMessage(ctx context.Context, messageID string) {
	if err := o.messages.MarkCancelled(ctx, messageID); err != nil {
		o.log.Warn().Err(err).Str("message_id", messageID).Msg("message cancel failed")
	}
}

// QueueStatus reports entry counts for one lane.
func (o *Orchestrator) QueueStatus(ctx context.Context, clientID, queueName string) (*schema.QueueStatus, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	return o.queue.GetQueueStatus(ctx, clientID, queueName)
}
