package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server configuration. The gateway expects to bind loopback; it does no
	// client authentication of its own.
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"9222"`

	// Identity reported by /json/version
	UserAgent string `envconfig:"USER_AGENT" default:"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"`

	// DefaultNewTabURL is where a freshly created browser's first page lands.
	DefaultNewTabURL string `envconfig:"DEFAULT_NEW_TAB_URL" default:"about:blank"`

	// Debugger attach readiness gate
	AttachSettleDelayMs  int `envconfig:"ATTACH_SETTLE_DELAY_MS" default:"200"`
	AttachReadyTimeoutMs int `envconfig:"ATTACH_READY_TIMEOUT_MS" default:"3000"`

	// EnableTestEndpoints serves /test/browser/*. Never set in production.
	EnableTestEndpoints bool `envconfig:"ENABLE_TEST_ENDPOINTS" default:"false"`

	// LogCDPMessages traces every CDP frame in both directions.
	LogCDPMessages bool `envconfig:"LOG_CDP_MESSAGES" default:"false"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Host == "" {
		return fmt.Errorf("HOST is required")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be a valid tcp port")
	}
	if config.AttachSettleDelayMs < 0 {
		return fmt.Errorf("ATTACH_SETTLE_DELAY_MS must not be negative")
	}
	if config.AttachReadyTimeoutMs < 0 {
		return fmt.Errorf("ATTACH_READY_TIMEOUT_MS must not be negative")
	}

	return nil
}
