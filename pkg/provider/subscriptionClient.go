package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zoff-tech/go-courier/pkg/config"
)

// SubscriptionCanceller cancels a client subscription after an unsubscribe
// signal from a carrier.
type SubscriptionCanceller interface {
	CancelSubscription(ctx context.Context, clientID string) error
}

// NewSubscriptionClient builds the canceller from configuration. With no
// subscription endpoint configured the cancellation is a no-op.
func NewSubscriptionClient(cfg *config.ProviderSettings) SubscriptionCanceller {
	if cfg.SubscriptionURL == "" {
		return noopSubscriptions{}
	}
	return &subscriptionClient{
		baseURL: cfg.SubscriptionURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type subscriptionClient struct {
	baseURL string
	client  *http.Client
}

func (s *subscriptionClient) CancelSubscription(ctx context.Context, clientID string) error {
	body, err := json.Marshal(map[string]string{"clientId": clientID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/subscriptions/cancel", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("subscription cancel responded %d", resp.StatusCode)
	}
	return nil
}

type noopSubscriptions struct{}

func (noopSubscriptions) CancelSubscription(context.Context, string) error { return nil }
