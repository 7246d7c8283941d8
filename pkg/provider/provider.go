package provider

import (
	"context"

	"github.com/zoff-tech/go-courier/schema"
)

// DeliveryState is a provider-side view of a message, as reported by the
// carrier status endpoint during reconciliation.
type DeliveryState string

const (
	StateSent        DeliveryState = "sent"
	StateDelivered   DeliveryState = "delivered"
	StateFailed      DeliveryState = "failed"
	StateUndelivered DeliveryState = "undelivered"
	// StateUnknown means the carrier has no record of the message.
	StateUnknown DeliveryState = "unknown"
)

// SendRequest carries everything a carrier needs to dispatch one message.
type SendRequest struct {
	MessageID string            `json:"messageId"`
	ClientID  string            `json:"clientId"`
	Content   string            `json:"content"`
	MediaURLs []string          `json:"mediaUrls,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SendResult is the carrier acknowledgement of an accepted message.
type SendResult struct {
	ProviderMessageID string `json:"providerMessageId"`
}

// DeliveryProvider abstracts an outbound message carrier.
type DeliveryProvider interface {
	// Name identifies the carrier this provider talks to.
	Name() schema.Provider

	// SendMessage dispatches the message. Failures carry a classification,
	// see Classify.
	SendMessage(ctx context.Context, req SendRequest) (*SendResult, error)

	// GetMessageStatus queries the carrier for the current state of a
	// previously sent message. StateUnknown with a nil error means the
	// carrier has no record of the id.
	GetMessageStatus(ctx context.Context, providerMessageID string) (DeliveryState, error)

	// MaxContentLength is the carrier content size limit in characters.
	// Zero means unlimited.
	MaxContentLength() int
}
