package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-courier/pkg/config"
)

// RabbitMQBusCreator defines a function type for creating RabbitMQ trigger buses.
type RabbitMQBusCreator func(ctx context.Context, settings *config.TriggerSettings) (TriggerBus, error)

// NewRabbitMqBus is the default implementation of RabbitMQBusCreator.
var NewRabbitMqBus RabbitMQBusCreator = func(ctx context.Context, settings *config.TriggerSettings) (TriggerBus, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			log.Printf("RabbitMQ connection closed: %v", err)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = ch.ExchangeDeclare(
		settings.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &rabbitMqBus{
		connection: conn,
		channel:    ch,
		settings:   settings,
	}, nil
}

type rabbitMqBus struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	mu         sync.Mutex
	settings   *config.TriggerSettings
}

func (r *rabbitMqBus) Publish(ctx context.Context, t Trigger) error {
	tracer := otel.Tracer("go-courier")
	ctx, span := tracer.Start(ctx, "PublishTrigger",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(routingKey(t)),
			attribute.String("trigger.event", t.Event),
		),
	)
	defer span.End()

	// Inject the trace context into the trigger headers
	propagator := otel.GetTextMapPropagator()
	if t.Headers == nil {
		t.Headers = make(map[string]string)
	}
	propagator.Inject(ctx, propagation.MapCarrier(t.Headers))

	body, err := json.Marshal(t)
	if err != nil {
		span.RecordError(err)
		return err
	}

	amqpHeaders := make(amqp.Table)
	for k, v := range t.Headers {
		amqpHeaders[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.channel.Publish(
		r.settings.Exchange, routingKey(t), false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Headers:     amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)
	return nil
}

// PublishAfter schedules a timer-based re-publish. A process crash before the
// timer fires loses the trigger; the reconciliation jobs cover that window.
func (r *rabbitMqBus) PublishAfter(ctx context.Context, t Trigger, delay time.Duration) error {
	if delay <= 0 {
		return r.Publish(ctx, t)
	}
	time.AfterFunc(delay, func() {
		if err := r.Publish(context.Background(), t); err != nil {
			log.Printf("Failed to publish delayed trigger %s: %v", t.Event, err)
		}
	})
	return nil
}

func (r *rabbitMqBus) Subscribe(ctx context.Context, handler Handler) error {
	queueName := r.settings.Queue
	if queueName == "" {
		queueName = "courier-triggers"
	}

	r.mu.Lock()
	q, err := r.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.channel.QueueBind(q.Name, "#", r.settings.Exchange, false, nil); err != nil {
		r.mu.Unlock()
		return err
	}
	deliveries, err := r.channel.Consume(q.Name, "", false, false, false, false, nil)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var t Trigger
				if err := json.Unmarshal(d.Body, &t); err != nil {
					log.Printf("Failed to decode trigger: %v", err)
					_ = d.Nack(false, false)
					continue
				}
				if err := handler(ctx, t); err != nil {
					log.Printf("Failed to handle trigger %s: %v", t.Event, err)
					_ = d.Nack(false, true)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()
	return nil
}

func (r *rabbitMqBus) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}

// routingKey maps an event name to an AMQP topic routing key.
func routingKey(t Trigger) string {
	return strings.ReplaceAll(t.Event, "/", ".")
}
