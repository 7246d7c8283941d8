package cache

import (
	"context"
)

// Correlation maps a provider message id back to the courier message it
// belongs to. Webhook handlers use it to avoid a store lookup on the hot
// path; a cache miss falls back to the store.
type Correlation struct {
	MessageID string `json:"messageId"`
	ClientID  string `json:"clientId"`
}

// CorrelationCache stores provider-message-id correlations with a TTL.
type CorrelationCache interface {
	Put(ctx context.Context, providerMessageID string, c Correlation) error
	// Get returns nil with a nil error on a cache miss.
	Get(ctx context.Context, providerMessageID string) (*Correlation, error)
	Close() error
}

// Noop is the cache used when Redis is disabled. Every lookup misses.
type Noop struct{}

func (Noop) Put(context.Context, string, Correlation) error    { return nil }
func (Noop) Get(context.Context, string) (*Correlation, error) { return nil, nil }
func (Noop) Close() error                                      { return nil }
