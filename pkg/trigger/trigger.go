package trigger

import (
	"context"
	"time"
)

// Event names carried on the trigger bus. Delivery is at-least-once with no
// ordering guarantee across distinct event names; every consumer must be
// idempotent with respect to re-delivery.
const (
	EventProcessNext       = "queue/process-next"
	EventSendMessage       = "queue/send-message"
	EventDeliveryConfirmed = "message/delivery-confirmed"
	EventDeliveryFailed    = "message/delivery-failed"
)

// Trigger is an asynchronous signal that something should happen next. It
// decouples queue-advance from send so each step is independently retryable.
type Trigger struct {
	Event             string `json:"event"`
	ClientID          string `json:"client_id,omitempty"`
	QueueName         string `json:"queue_name,omitempty"`
	QueueEntryID      string `json:"queue_entry_id,omitempty"`
	MessageID         string `json:"message_id,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`
}

// OrderingKey identifies the lane a trigger belongs to.
func (t Trigger) OrderingKey() string {
	return t.ClientID + "/" + t.QueueName
}

func ProcessNext(clientID, queueName string) Trigger {
	return Trigger{Event: EventProcessNext, ClientID: clientID, QueueName: queueName}
}

func SendMessage(queueEntryID, clientID, queueName string) Trigger {
	return Trigger{Event: EventSendMessage, QueueEntryID: queueEntryID, ClientID: clientID, QueueName: queueName}
}

func DeliveryConfirmed(providerMessageID string) Trigger {
	return Trigger{Event: EventDeliveryConfirmed, ProviderMessageID: providerMessageID}
}

func DeliveryFailed(providerMessageID, errMsg string) Trigger {
	return Trigger{
		Event:             EventDeliveryFailed,
		ProviderMessageID: providerMessageID,
		Error:             errMsg,
	}
}

// Handler consumes one trigger. Returning an error requeues the trigger where
// the bus supports it.
type Handler func(ctx context.Context, t Trigger) error

// TriggerBus defines the operations to publish and consume trigger events.
type TriggerBus interface {
	// Publish sends the trigger to the bus.
	Publish(ctx context.Context, t Trigger) error
	// PublishAfter sends the trigger after the given delay. The delay is
	// best-effort; a lost delayed trigger is recovered by the stalled/stuck
	// reconciliation jobs.
	PublishAfter(ctx context.Context, t Trigger, delay time.Duration) error
	// Subscribe registers the handler and starts consuming.
	Subscribe(ctx context.Context, handler Handler) error
	// Close cleans up any resources (connections).
	Close() error
}
