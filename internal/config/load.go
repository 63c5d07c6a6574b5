package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables (prefix DISPATCHD_) take precedence over values from
// config files. Returns a populated Config struct or an error if
// loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults double as the key registry viper needs for AutomaticEnv.
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.api_key_hash", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)
	v.SetDefault("dispatcher.max_workers", 4)
	v.SetDefault("dispatcher.queue_size", 100)
	v.SetDefault("dispatcher.max_retries", 5)
	v.SetDefault("dispatcher.backoff_base_ms", 1000)
	v.SetDefault("dispatcher.backoff_max_ms", 300000)
	v.SetDefault("dispatcher.jitter_fraction", 0.2)
	v.SetDefault("dispatcher.lease_seconds", 30)

	// Optional config file in the working directory or /etc/dispatchd.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dispatchd")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override the file: DISPATCHD_SERVER_PORT etc.
	v.SetEnvPrefix("DISPATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
