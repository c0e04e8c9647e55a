// Package config loads server and client configuration from YAML files
// with NOTERELAY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Server holds the relay node configuration.
type Server struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	DatabaseURL    string `yaml:"database_url"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxNoteSize    int    `yaml:"max_note_size"`
	MaxConnections int    `yaml:"max_connections"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds
	LogLevel       string `yaml:"log_level"`
}

// Client holds the client library / CLI configuration.
type Client struct {
	Endpoint    string `yaml:"endpoint"`
	TimeoutMs   int    `yaml:"timeout_ms"`
	DatabaseURL string `yaml:"database_url"`
	MaxNoteSize int    `yaml:"max_note_size"`
	ClientID    string `yaml:"client_id"`
}

// DefaultServer mirrors the defaults of the reference deployment.
func DefaultServer() Server {
	return Server{
		Host:           "127.0.0.1",
		Port:           57292,
		DatabaseURL:    "noterelay.db",
		RetentionDays:  30,
		MaxNoteSize:    512_000,
		MaxConnections: 4096,
		RequestTimeout: 4,
		LogLevel:       "info",
	}
}

// DefaultClient returns client defaults pointed at a local node.
func DefaultClient() Client {
	return Client{
		Endpoint:    "http://127.0.0.1:57292",
		TimeoutMs:   5000,
		DatabaseURL: "noterelay-client.db",
		MaxNoteSize: 512_000,
	}
}

// LoadServer reads path (optional) and applies environment overrides.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := loadYAML(path, &cfg); err != nil {
		return Server{}, err
	}

	envString("NOTERELAY_HOST", &cfg.Host)
	envInt("NOTERELAY_PORT", &cfg.Port)
	envString("NOTERELAY_DATABASE_URL", &cfg.DatabaseURL)
	envInt("NOTERELAY_RETENTION_DAYS", &cfg.RetentionDays)
	envInt("NOTERELAY_MAX_NOTE_SIZE", &cfg.MaxNoteSize)
	envInt("NOTERELAY_MAX_CONNECTIONS", &cfg.MaxConnections)
	envInt("NOTERELAY_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	envString("NOTERELAY_LOG_LEVEL", &cfg.LogLevel)

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Server{}, fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	if cfg.MaxNoteSize <= 0 {
		return Server{}, fmt.Errorf("config: max_note_size must be positive")
	}
	return cfg, nil
}

// LoadClient reads path (optional) and applies environment overrides.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := loadYAML(path, &cfg); err != nil {
		return Client{}, err
	}

	envString("NOTERELAY_ENDPOINT", &cfg.Endpoint)
	envInt("NOTERELAY_TIMEOUT_MS", &cfg.TimeoutMs)
	envString("NOTERELAY_CLIENT_DATABASE_URL", &cfg.DatabaseURL)
	envInt("NOTERELAY_MAX_NOTE_SIZE", &cfg.MaxNoteSize)
	envString("NOTERELAY_CLIENT_ID", &cfg.ClientID)

	if cfg.Endpoint == "" {
		return Client{}, fmt.Errorf("config: endpoint is required")
	}
	return cfg, nil
}

// WriteClient persists a client config (used by `notecli init`).
func WriteClient(path string, cfg Client) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
