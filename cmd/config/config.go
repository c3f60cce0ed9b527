// Package config loads relaycore's process configuration: environment
// variables via kelseyhightower/envconfig, with an optional YAML
// overlay for values environment variables don't already set.
package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for a relaycore client or server
// process.
type Config struct {
	// Description tags log lines and connection IDs (default "unknown"
	// if empty).
	Description string `envconfig:"DESCRIPTION" default:""`

	// ListenAddr is the address an echoserver process listens on.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	// DialURL is the websocket URL an echoclient process dials.
	DialURL string `envconfig:"DIAL_URL" default:"ws://localhost:8080/ws"`

	// BackoffCapMS caps the supervisor's exponential backoff delay in
	// milliseconds (64000ms by default, overridable here). Consumed by
	// echoclient's conn.Supervisor; echoserver only accepts inbound
	// connections and never reconnects, so it has no supervisor to cap.
	BackoffCapMS int `envconfig:"BACKOFF_CAP_MS" default:"64000"`

	// RequestTimeoutMS is the default per-request deadline in
	// milliseconds clients apply when none is given explicitly; 0
	// disables the deadline.
	RequestTimeoutMS int `envconfig:"REQUEST_TIMEOUT_MS" default:"30000"`

	// CompressThreshold gates gzip framing in the wire codec; payloads
	// at or above this many bytes are compressed.
	CompressThreshold int `envconfig:"COMPRESS_THRESHOLD_BYTES" default:"8192"`
}

// yamlOverlay mirrors Config's fields for partial YAML decoding;
// pointer fields distinguish "absent from the file" from "zero value".
type yamlOverlay struct {
	Description       *string `json:"description"`
	ListenAddr        *string `json:"listenAddr"`
	DialURL           *string `json:"dialUrl"`
	BackoffCapMS      *int    `json:"backoffCapMs"`
	RequestTimeoutMS  *int    `json:"requestTimeoutMs"`
	CompressThreshold *int    `json:"compressThresholdBytes"`
}

// Load reads defaults and environment variables first via
// envconfig.Process, then fills in from the YAML file at yamlPath, if
// non-empty, only for fields whose environment variable is not set,
// and finally validates the result.
func Load(yamlPath string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load environment config: %w", err)
	}

	if yamlPath != "" {
		if err := applyYAMLOverlay(&cfg, yamlPath); err != nil {
			return nil, err
		}
	}

	if cfg.Description == "" {
		cfg.Description = "unknown"
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyYAMLOverlay(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var overlay yamlOverlay
	if err := yaml.Unmarshal(b, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	// An explicit DESCRIPTION etc. from the environment always wins;
	// the overlay only replaces values whose variable is not set.
	envSet := func(key string) bool { _, ok := os.LookupEnv(key); return ok }
	if overlay.Description != nil && !envSet("DESCRIPTION") {
		cfg.Description = *overlay.Description
	}
	if overlay.ListenAddr != nil && !envSet("LISTEN_ADDR") {
		cfg.ListenAddr = *overlay.ListenAddr
	}
	if overlay.DialURL != nil && !envSet("DIAL_URL") {
		cfg.DialURL = *overlay.DialURL
	}
	if overlay.BackoffCapMS != nil && !envSet("BACKOFF_CAP_MS") {
		cfg.BackoffCapMS = *overlay.BackoffCapMS
	}
	if overlay.RequestTimeoutMS != nil && !envSet("REQUEST_TIMEOUT_MS") {
		cfg.RequestTimeoutMS = *overlay.RequestTimeoutMS
	}
	if overlay.CompressThreshold != nil && !envSet("COMPRESS_THRESHOLD_BYTES") {
		cfg.CompressThreshold = *overlay.CompressThreshold
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if cfg.DialURL == "" {
		return fmt.Errorf("DIAL_URL is required")
	}
	if cfg.BackoffCapMS <= 0 {
		return fmt.Errorf("BACKOFF_CAP_MS must be greater than 0")
	}
	if cfg.RequestTimeoutMS < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_MS must be greater than or equal to 0")
	}
	if cfg.CompressThreshold < 0 {
		return fmt.Errorf("COMPRESS_THRESHOLD_BYTES must be greater than or equal to 0")
	}
	return nil
}
