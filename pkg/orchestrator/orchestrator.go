package orchestrator

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/go-courier/pkg/cache"
	"github.com/zoff-tech/go-courier/pkg/config"
	"github.com/zoff-tech/go-courier/pkg/provider"
	"github.com/zoff-tech/go-courier/pkg/store"
	"github.com/zoff-tech/go-courier/pkg/trigger"
)

const tracerName = "go-courier"

// maxRetryBackoff caps the exponential retry delay.
const maxRetryBackoff = time.Hour

// ValidationError rejects a message before anything is persisted. It is the
// only error class surfaced synchronously to the enqueueing caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Orchestrator drives the outbound delivery state machine. All mutating
// operations are idempotent so the trigger bus may deliver at least once.
type Orchestrator struct {
	messages      store.MessageRepository
	queue         store.QueueRepository
	bus           trigger.TriggerBus
	providers     *provider.Registry
	subscriptions provider.SubscriptionCanceller
	correlations  cache.CorrelationCache
	cfg           config.DeliverySettings
	log           zerolog.Logger
}

func New(
	messages store.MessageRepository,
	queue store.QueueRepository,
	bus trigger.TriggerBus,
	providers *provider.Registry,
	subscriptions provider.SubscriptionCanceller,
	correlations cache.CorrelationCache,
	cfg config.DeliverySettings,
	log zerolog.Logger,
) *Orchestrator {
	if correlations == nil {
		correlations = cache.Noop{}
	}
	return &Orchestrator{
		messages:      messages,
		queue:         queue,
		bus:           bus,
		providers:     providers,
		subscriptions: subscriptions,
		correlations:  correlations,
		cfg:           cfg,
		log:           log,
	}
}

// retryBackoff doubles the configured base per already spent retry.
func (o *Orchestrator) retryBackoff(retryCount int) time.Duration {
	backoff := o.cfg.RetryBackoff
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return backoff
}
