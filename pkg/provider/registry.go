package provider

import (
	"fmt"

	"github.com/zoff-tech/go-courier/pkg/config"
	"github.com/zoff-tech/go-courier/schema"
)

// Registry resolves a message's provider field to a DeliveryProvider.
// Providers are constructed once at startup and shared.
type Registry struct {
	providers map[schema.Provider]DeliveryProvider
}

func NewRegistry(cfg *config.ProviderSettings) *Registry {
	r := &Registry{providers: make(map[schema.Provider]DeliveryProvider)}
	r.Register(NewSMSCarrier(cfg))
	r.Register(NewWhatsAppCarrier(cfg))
	r.Register(NewSimulator())
	return r
}

func (r *Registry) Register(p DeliveryProvider) {
	r.providers[p.Name()] = p
}

// For returns the provider registered under the given name.
func (r *Registry) For(name schema.Provider) (DeliveryProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown delivery provider: %s", name)
	}
	return p, nil
}
