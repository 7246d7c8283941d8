package schema

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message was received from or sent to a client.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Provider identifies the delivery provider a message is routed through.
type Provider string

const (
	ProviderSMS       Provider = "sms-carrier"
	ProviderWhatsApp  Provider = "whatsapp-carrier"
	ProviderSimulator Provider = "local-simulator"
)

// DeliveryStatus represents the delivery lifecycle of a message.
type DeliveryStatus string

const (
	DeliveryQueued      DeliveryStatus = "queued"
	DeliverySent        DeliveryStatus = "sent"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryFailed      DeliveryStatus = "failed"
	DeliveryUndelivered DeliveryStatus = "undelivered"
	DeliveryCancelled   DeliveryStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are never
// reverted by any store operation.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryFailed, DeliveryUndelivered, DeliveryCancelled:
		return true
	}
	return false
}

// Message is a single logical message to or from one client. Content lives
// here, never in the queue; a queue entry only references a message by id.
type Message struct {
	ID                    string            `json:"id" bson:"_id"`
	ClientID              string            `json:"client_id" bson:"client_id"`
	Direction             Direction         `json:"direction" bson:"direction"`
	Content               string            `json:"content" bson:"content"`
	MediaURLs             []string          `json:"media_urls,omitempty" bson:"media_urls,omitempty"`
	Provider              Provider          `json:"provider" bson:"provider"`
	ProviderMessageID     string            `json:"provider_message_id,omitempty" bson:"provider_message_id,omitempty"`
	DeliveryStatus        DeliveryStatus    `json:"delivery_status" bson:"delivery_status"`
	DeliveryAttempts      int               `json:"delivery_attempts" bson:"delivery_attempts"`
	LastDeliveryAttemptAt *time.Time        `json:"last_delivery_attempt_at,omitempty" bson:"last_delivery_attempt_at,omitempty"`
	LastError             string            `json:"last_error,omitempty" bson:"last_error,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at" bson:"updated_at"`
}

// NewOutboundMessage creates an outbound Message with a fresh id and the given
// initial delivery status.
func NewOutboundMessage(clientID, content string, provider Provider, status DeliveryStatus) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		Direction:      DirectionOutbound,
		Content:        content,
		Provider:       provider,
		DeliveryStatus: status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewInboundMessage creates an inbound Message. Inbound messages are stored
// already delivered; they never enter the queue.
func NewInboundMessage(clientID, content string, provider Provider, providerMessageID string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:                uuid.NewString(),
		ClientID:          clientID,
		Direction:         DirectionInbound,
		Content:           content,
		Provider:          provider,
		ProviderMessageID: providerMessageID,
		DeliveryStatus:    DeliveryDelivered,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
