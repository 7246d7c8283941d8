package provider

import (
	"net/http"

	"github.com/zoff-tech/go-courier/pkg/config"
	"github.com/zoff-tech/go-courier/schema"
)

// NewWhatsAppCarrier builds the WhatsApp delivery provider from configuration.
func NewWhatsAppCarrier(cfg *config.ProviderSettings) DeliveryProvider {
	contentMax := cfg.WhatsAppContentMax
	if contentMax == 0 {
		contentMax = 4096
	}
	return &httpCarrier{
		name:       schema.ProviderWhatsApp,
		baseURL:    cfg.WhatsAppURL,
		apiKey:     cfg.WhatsAppAPIKey,
		contentMax: contentMax,
		client:     &http.Client{Timeout: carrierTimeout},
	}
}
