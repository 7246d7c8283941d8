package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-courier/schema"
)

// MemoryMessageRepository is a mutex-guarded in-memory implementation used by
// tests and local runs (database type "memory").
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[string]*schema.Message
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{messages: make(map[string]*schema.Message)}
}

func (r *MemoryMessageRepository) StoreInbound(ctx context.Context, params InboundMessageParams) (*schema.Message, error) {
	msg := schema.NewInboundMessage(params.ClientID, params.Content, params.Provider, params.ProviderMessageID)
	msg.Metadata = params.Metadata

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = msg
	return copyMessage(msg), nil
}

func (r *MemoryMessageRepository) StoreOutbound(ctx context.Context, params OutboundMessageParams, initial schema.DeliveryStatus) (*schema.Message, error) {
	msg := schema.NewOutboundMessage(params.ClientID, params.Content, params.Provider, initial)
	msg.MediaURLs = params.MediaURLs
	msg.Metadata = params.Metadata

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = msg
	return copyMessage(msg), nil
}

func (r *MemoryMessageRepository) UpdateDeliveryStatus(ctx context.Context, id string, status schema.DeliveryStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.DeliveryStatus.Terminal() {
		return ErrTerminalStatus
	}

	msg.DeliveryStatus = status
	if errMsg != "" {
		msg.LastError = errMsg
	}
	if status == schema.DeliverySent {
		now := time.Now().UTC()
		msg.DeliveryAttempts++
		msg.LastDeliveryAttemptAt = &now
	}
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryMessageRepository) UpdateProviderMessageID(ctx context.Context, id, providerMessageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.ProviderMessageID = providerMessageID
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryMessageRepository) MarkCancelled(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok || msg.DeliveryStatus.Terminal() {
		return nil
	}
	msg.DeliveryStatus = schema.DeliveryCancelled
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryMessageRepository) FindByID(ctx context.Context, id string) (*schema.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

func (r *MemoryMessageRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*schema.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, msg := range r.messages {
		if msg.ProviderMessageID != "" && msg.ProviderMessageID == providerMessageID {
			return copyMessage(msg), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryMessageRepository) FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]schema.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stuck []schema.Message
	for _, msg := range r.messages {
		if msg.Direction != schema.DirectionOutbound {
			continue
		}
		if msg.DeliveryStatus != schema.DeliveryQueued && msg.DeliveryStatus != schema.DeliverySent {
			continue
		}
		if msg.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, *copyMessage(msg))
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].UpdatedAt.Before(stuck[j].UpdatedAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

func copyMessage(msg *schema.Message) *schema.Message {
	cp := *msg
	if msg.MediaURLs != nil {
		cp.MediaURLs = append([]string(nil), msg.MediaURLs...)
	}
	if msg.Metadata != nil {
		cp.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			cp.Metadata[k] = v
		}
	}
	if msg.LastDeliveryAttemptAt != nil {
		t := *msg.LastDeliveryAttemptAt
		cp.LastDeliveryAttemptAt = &t
	}
	return &cp
}
