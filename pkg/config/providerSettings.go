package config

// ProviderSettings holds carrier endpoints and credentials. The provider
// clients are constructed once at process start and shared by reference.
type ProviderSettings struct {
	SMSURL             string `mapstructure:"sms_url"`
	SMSAPIKey          string `mapstructure:"sms_api_key"`
	SMSContentMax      int    `mapstructure:"sms_content_max"`
	WhatsAppURL        string `mapstructure:"whatsapp_url"`
	WhatsAppAPIKey     string `mapstructure:"whatsapp_api_key"`
	WhatsAppContentMax int    `mapstructure:"whatsapp_content_max"`
	// SubscriptionURL is the endpoint of the subscription collaborator called
	// on unsubscribe detection.
	SubscriptionURL string `mapstructure:"subscription_url"`
}
