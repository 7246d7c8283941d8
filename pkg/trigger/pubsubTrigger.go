package trigger

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-courier/pkg/config"
)

// PubSubBusCreator defines a function type for creating Pub/Sub trigger buses.
type PubSubBusCreator func(ctx context.Context, settings *config.TriggerSettings, opts ...option.ClientOption) (TriggerBus, error)

// NewPubSubBus is the default implementation of PubSubBusCreator.
var NewPubSubBus PubSubBusCreator = func(ctx context.Context, settings *config.TriggerSettings, opts ...option.ClientOption) (TriggerBus, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBus{client: client, settings: settings}, nil
}

type pubSubBus struct {
	client   *pubsub.Client
	settings *config.TriggerSettings
}

func (p *pubSubBus) Publish(ctx context.Context, t Trigger) error {
	tracer := otel.Tracer("go-courier")
	ctx, span := tracer.Start(ctx, "PublishTrigger",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(p.settings.Exchange),
			attribute.String("trigger.event", t.Event),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	attributes := map[string]string{"event": t.Event}
	propagator.Inject(ctx, propagation.MapCarrier(attributes))

	body, err := json.Marshal(t)
	if err != nil {
		span.RecordError(err)
		return err
	}

	message := &pubsub.Message{
		Data:       body,
		Attributes: attributes,
	}

	// Per-lane ordering keeps same-lane triggers in publish order.
	message.OrderingKey = t.OrderingKey()

	res := p.client.Topic(p.settings.Exchange).Publish(ctx, message)
	_, err = res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)
	return nil
}

func (p *pubSubBus) PublishAfter(ctx context.Context, t Trigger, delay time.Duration) error {
	if delay <= 0 {
		return p.Publish(ctx, t)
	}
	time.AfterFunc(delay, func() {
		if err := p.Publish(context.Background(), t); err != nil {
			log.Printf("Failed to publish delayed trigger %s: %v", t.Event, err)
		}
	})
	return nil
}

func (p *pubSubBus) Subscribe(ctx context.Context, handler Handler) error {
	sub := p.client.Subscription(p.settings.Subscription)

	go func() {
		err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			var t Trigger
			if err := json.Unmarshal(msg.Data, &t); err != nil {
				log.Printf("Failed to decode trigger: %v", err)
				msg.Nack()
				return
			}
			if err := handler(ctx, t); err != nil {
				log.Printf("Failed to handle trigger %s: %v", t.Event, err)
				msg.Nack()
				return
			}
			msg.Ack()
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("Pub/Sub receive stopped: %v", err)
		}
	}()
	return nil
}

func (p *pubSubBus) Close() error {
	return p.client.Close()
}
