package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"       validate:"required"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL selects the in-memory task store (no durability).
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// AuthConfig contains the management API authentication settings. Clients
// present the API key, which is checked against the bcrypt hash, and
// receive a short-lived JWT in exchange.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	APIKeyHash           string `mapstructure:"api_key_hash"           validate:"required"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// DispatcherConfig contains the task processing settings.
type DispatcherConfig struct {
	// MaxWorkers bounds concurrent handler executions.
	MaxWorkers int `mapstructure:"max_workers" validate:"required,gt=0"`

	// QueueSize is the admission queue buffer.
	QueueSize int `mapstructure:"queue_size" validate:"required,gt=0"`

	// MaxRetries is the default retry budget for tasks submitted through
	// the API.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// BackoffBaseMS and BackoffMaxMS shape the retry delay curve.
	BackoffBaseMS int `mapstructure:"backoff_base_ms" validate:"required,gt=0"`
	BackoffMaxMS  int `mapstructure:"backoff_max_ms"  validate:"required,gt=0"`

	// JitterFraction spreads retry delays to avoid synchronized storms.
	JitterFraction float64 `mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`

	// LeaseSeconds is how long a worker's claim on a running task lasts
	// before the reaper may reclaim it. Zero disables crash detection.
	LeaseSeconds int `mapstructure:"lease_seconds" validate:"gte=0"`
}
