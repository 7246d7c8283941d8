package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings is the root configuration of the courier service.
type Settings struct {
	Server        ServerSettings   `mapstructure:"server"`
	Database      DbSettings       `mapstructure:"database"`
	Trigger       TriggerSettings  `mapstructure:"trigger"`
	Provider      ProviderSettings `mapstructure:"provider"`
	Redis         RedisSettings    `mapstructure:"redis"`
	Delivery      DeliverySettings `mapstructure:"delivery"`
	Jobs          JobSettings      `mapstructure:"jobs"`
	LogLevel      string           `mapstructure:"log_level"`
	Observability Observability    `mapstructure:"observability"`
}

// ServerSettings holds the HTTP listener configuration.
type ServerSettings struct {
	Address string `mapstructure:"address" validate:"required"`
}

// RedisSettings configures the optional provider-message-id correlation cache.
type RedisSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DeliverySettings holds the knobs of the delivery state machine.
type DeliverySettings struct {
	MaxRetries            int           `mapstructure:"max_retries" validate:"min=0"`
	RetryBackoff          time.Duration `mapstructure:"retry_backoff"` // initial backoff duration
	StallCutoff           time.Duration `mapstructure:"stall_cutoff"`
	StalePendingCutoff    time.Duration `mapstructure:"stale_pending_cutoff"`
	StuckCutoff           time.Duration `mapstructure:"stuck_cutoff"`
	StuckBatchSize        int           `mapstructure:"stuck_batch_size"`
	SimulatorConfirmDelay time.Duration `mapstructure:"simulator_confirm_delay"`
}

// JobSettings holds cron specs for the reconciliation batch jobs.
type JobSettings struct {
	StalledCheckSpec string `mapstructure:"stalled_check_spec"`
	StuckCleanupSpec string `mapstructure:"stuck_cleanup_spec"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads courier.yaml from the given path, merges the
// environment-specific overlay and COURIER_* environment variables, and
// validates the result.
func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := defaultSettings()
	viper.SetConfigType("yaml")
	viper.SetConfigName("courier")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "courier."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging %s config: %s\n", env, err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func defaultSettings() *Settings {
	return &Settings{
		Server:   ServerSettings{Address: ":8080"},
		LogLevel: "info",
		Delivery: DeliverySettings{
			MaxRetries:            3,
			RetryBackoff:          30 * time.Second,
			StallCutoff:           15 * time.Minute,
			StalePendingCutoff:    24 * time.Hour,
			StuckCutoff:           24 * time.Hour,
			StuckBatchSize:        100,
			SimulatorConfirmDelay: 2 * time.Second,
		},
		Jobs: JobSettings{
			StalledCheckSpec: "@every 5m",
			StuckCleanupSpec: "@hourly",
		},
	}
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("COURIER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like COURIER_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("server.address")
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.name")
	viper.BindEnv("trigger.type")
	viper.BindEnv("trigger.url")
	viper.BindEnv("trigger.exchange")
	viper.BindEnv("trigger.projectID")
	viper.BindEnv("provider.sms_url")
	viper.BindEnv("provider.sms_api_key")
	viper.BindEnv("provider.whatsapp_url")
	viper.BindEnv("provider.whatsapp_api_key")
	viper.BindEnv("provider.subscription_url")
	viper.BindEnv("redis.enabled")
	viper.BindEnv("redis.address")
	viper.BindEnv("redis.password")
	viper.BindEnv("delivery.max_retries")
	viper.BindEnv("delivery.retry_backoff")
	viper.BindEnv("log_level")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
