package trigger

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-courier/pkg/config"
)

// NewBus builds the configured trigger bus implementation.
func NewBus(ctx context.Context, cfg *config.TriggerSettings) (TriggerBus, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBus(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubBus(ctx, cfg)
	case "inproc":
		return NewInprocBus(), nil
	default:
		return nil, fmt.Errorf("unsupported trigger bus type: %s", cfg.Type)
	}
}
