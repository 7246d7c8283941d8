package provider

import (
	"net/http"

	"github.com/zoff-tech/go-courier/pkg/config"
	"github.com/zoff-tech/go-courier/schema"
)

// NewSMSCarrier builds the SMS delivery provider from configuration.
func NewSMSCarrier(cfg *config.ProviderSettings) DeliveryProvider {
	contentMax := cfg.SMSContentMax
	if contentMax == 0 {
		contentMax = 1600
	}
	return &httpCarrier{
		name:       schema.ProviderSMS,
		baseURL:    cfg.SMSURL,
		apiKey:     cfg.SMSAPIKey,
		contentMax: contentMax,
		client:     &http.Client{Timeout: carrierTimeout},
	}
}
