package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zoff-tech/go-courier/schema"
)

// Simulator is a local delivery provider for development and tests. Every
// send succeeds and the simulator remembers the ids it issued so status
// queries report them as delivered.
type Simulator struct {
	mu   sync.Mutex
	sent map[string]SendRequest
}

func NewSimulator() *Simulator {
	return &Simulator{sent: make(map[string]SendRequest)}
}

func (s *Simulator) Name() schema.Provider { return schema.ProviderSimulator }

func (s *Simulator) MaxContentLength() int { return 0 }

func (s *Simulator) SendMessage(_ context.Context, req SendRequest) (*SendResult, error) {
	id := "sim-" + uuid.NewString()
	s.mu.Lock()
	s.sent[id] = req
	s.mu.Unlock()
	return &SendResult{ProviderMessageID: id}, nil
}

func (s *Simulator) GetMessageStatus(_ context.Context, providerMessageID string) (DeliveryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sent[providerMessageID]; ok {
		return StateDelivered, nil
	}
	return StateUnknown, nil
}
