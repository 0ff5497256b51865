package config

import (
	"fmt"
	"time"
)

// Config is the process configuration: where to listen, where data lives,
// how to log. The AI-provider configuration itself is stored durably in
// the query store and managed through the service API, not here.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Gateway GatewayConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string // optional; empty disables auth on management endpoints
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type GatewayConfig struct {
	CallTimeout time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Gateway: GatewayConfig{
			CallTimeout: 60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/researchos/config.json, then applies RESEARCHOS_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b *fileBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Gateway.CallTimeout <= 0 {
		return Config{}, fmt.Errorf("gateway call timeout must be positive")
	}

	return cfg, nil
}
