package config

// DbSettings holds configuration for the message and queue stores.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner memory"`
	// DSN is used by the postgres backend.
	DSN string `mapstructure:"dsn"`
	// URI is used by the mongo and spanner backends (connection string or
	// database path respectively).
	URI string `mapstructure:"uri"`
	// Name is the mongo database name.
	Name string `mapstructure:"name"`
}
