package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config holds all configuration for the application
type Config struct {
	// File paths
	DBPath       string
	LockPath     string
	FeedsCSVPath string

	// Server settings
	ServerHost string
	ServerPort int
	APIKey     string

	// LLM settings
	OpenAIEndpoint string
	HTTPTimeout    time.Duration

	// Log settings
	LogLevel zerolog.Level
}

// DefaultConfig returns an initial configuration with hardcoded defaults,
// overridable through CTIMON_* environment variables.
func DefaultConfig() *Config {
	logLevel, _ := zerolog.ParseLevel(DefaultLogLevel)

	return &Config{
		DBPath:         GetEnvString("CTIMON_DB_PATH", DefaultDBPath),
		LockPath:       GetEnvString("CTIMON_LOCK_PATH", ""),
		FeedsCSVPath:   GetEnvString("CTIMON_FEEDS_CSV", DefaultFeedsCSVPath),
		ServerHost:     GetEnvString("CTIMON_SERVER_HOST", DefaultServerHost),
		ServerPort:     GetEnvInt("CTIMON_SERVER_PORT", DefaultServerPort),
		APIKey:         GetEnvString("CTIMON_API_KEY", ""),
		OpenAIEndpoint: GetEnvString("CTIMON_OPENAI_ENDPOINT", DefaultOpenAIEndpoint),
		HTTPTimeout:    GetEnvDuration("CTIMON_HTTP_TIMEOUT", DefaultHTTPTimeout),
		LogLevel:       GetEnvLogLevel("CTIMON_LOG_LEVEL", logLevel),
	}
}

// ListenAddr returns the formatted listen address for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
