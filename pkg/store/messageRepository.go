package store

import (
	"context"
	"errors"
	"time"

	"github.com/zoff-tech/go-courier/schema"
)

var (
	// ErrNotFound is returned when a message or queue entry does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTerminalStatus is returned when a status transition would revert a
	// terminal delivery status.
	ErrTerminalStatus = errors.New("store: delivery status is terminal")
	// ErrEntryNotCancellable is returned when cancellation targets an entry
	// that already reached a terminal status.
	ErrEntryNotCancellable = errors.New("store: queue entry is not cancellable")
)

// InboundMessageParams describes a message received from a client.
type InboundMessageParams struct {
	ClientID          string
	Content           string
	Provider          schema.Provider
	ProviderMessageID string
	Metadata          map[string]string
}

// OutboundMessageParams describes a message to be delivered to a client.
type OutboundMessageParams struct {
	ClientID  string
	Content   string
	MediaURLs []string
	Provider  schema.Provider
	Metadata  map[string]string
}

// MessageRepository defines the database operations for messages.
// All writes are append-style status transitions; no operation reverts a
// terminal status.
type MessageRepository interface {
	// StoreInbound persists a message received from a client.
	StoreInbound(ctx context.Context, params InboundMessageParams) (*schema.Message, error)
	// StoreOutbound persists an outbound message with the given initial status.
	// The message is stored before any queue entry referencing it exists.
	StoreOutbound(ctx context.Context, params OutboundMessageParams, initial schema.DeliveryStatus) (*schema.Message, error)
	// UpdateDeliveryStatus transitions a message to a new delivery status.
	// When the new status is "sent" the attempt counter is incremented and the
	// attempt timestamp stamped. Returns ErrTerminalStatus if the message is
	// already terminal.
	UpdateDeliveryStatus(ctx context.Context, id string, status schema.DeliveryStatus, errMsg string) error
	// UpdateProviderMessageID records the id assigned by the delivery provider.
	UpdateProviderMessageID(ctx context.Context, id, providerMessageID string) error
	// MarkCancelled transitions a message to cancelled. Messages already in a
	// terminal status are left untouched.
	MarkCancelled(ctx context.Context, id string) error
	// FindByID returns the message with the given id.
	FindByID(ctx context.Context, id string) (*schema.Message, error)
	// FindByProviderMessageID resolves a provider-assigned id back to a message.
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*schema.Message, error)
	// FindStuck returns outbound messages still queued or sent past the cutoff.
	FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]schema.Message, error)
}
