// Package config provides client configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds replistate client configuration.
type Config struct {
	// COMMS: connect to the messaging layer at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"CLIENT_NAME" default:"rsm-client"`

	// Protocol subject layout
	SubjectPrefix string `envconfig:"RSM_SUBJECT_PREFIX" default:"rsm"`
	Target        string `envconfig:"RSM_TARGET" default:"default"`

	// Timeouts
	ConnectTimeout   time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"5s"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks required config before connecting.
func (c *Config) Validate() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required", logPrefix)
	}
	if c.Target == "" {
		return fmt.Errorf("%s - RSM_TARGET is required", logPrefix)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%s - CONNECT_TIMEOUT must be positive", logPrefix)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%s - HANDSHAKE_TIMEOUT must be positive", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	return nil
}
