package trigger

import (
	"context"

	"github.com/rs/zerolog"
)

// DeliveryOperations is the subset of the orchestrator the dispatcher drives.
// Declared here so the bus side carries no dependency on the orchestrator
// package; the orchestrator is built first and attached afterwards (two-phase
// construction).
type DeliveryOperations interface {
	ProcessNext(ctx context.Context, clientID, queueName string) error
	SendQueuedMessage(ctx context.Context, queueEntryID string) error
	HandleDeliveryConfirmation(ctx context.Context, providerMessageID string) error
	HandleDeliveryFailure(ctx context.Context, providerMessageID, errMsg string) error
}

// Dispatcher routes consumed triggers to orchestrator operations. Every
// operation is idempotent, so at-least-once re-delivery is safe.
type Dispatcher struct {
	ops DeliveryOperations
	log zerolog.Logger
}

func NewDispatcher(ops DeliveryOperations, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{ops: ops, log: log}
}

// Attach subscribes the dispatcher to the bus.
func (d *Dispatcher) Attach(ctx context.Context, bus TriggerBus) error {
	return bus.Subscribe(ctx, d.Handle)
}

func (d *Dispatcher) Handle(ctx context.Context, t Trigger) error {
	d.log.Debug().
		Str("event", t.Event).
		Str("client_id", t.ClientID).
		Str("queue_name", t.QueueName).
		Msg("trigger received")

	switch t.Event {
	case EventProcessNext:
		return d.ops.ProcessNext(ctx, t.ClientID, t.QueueName)
	case EventSendMessage:
		return d.ops.SendQueuedMessage(ctx, t.QueueEntryID)
	case EventDeliveryConfirmed:
		return d.ops.HandleDeliveryConfirmation(ctx, t.ProviderMessageID)
	case EventDeliveryFailed:
		return d.ops.HandleDeliveryFailure(ctx, t.ProviderMessageID, t.Error)
	default:
		// Unknown events are dropped, not requeued.
		d.log.Warn().Str("event", t.Event).Msg("unknown trigger event")
		return nil
	}
}
