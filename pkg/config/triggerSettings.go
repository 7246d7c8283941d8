package config

// TriggerSettings holds configuration for the event trigger bus.
type TriggerSettings struct {
	Type      string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub inproc"`
	URL       string `mapstructure:"url"`
	Exchange  string `mapstructure:"exchange"`
	Queue     string `mapstructure:"queue"`
	ProjectID string `mapstructure:"projectID"` // Optional for brokers like GCP Pub/Sub
	// Subscription is the Pub/Sub subscription id the dispatcher consumes.
	Subscription string `mapstructure:"subscription"`
	PoolSize     int    `mapstructure:"pool_size"`
}
