package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds the broker's runtime configuration.
type ServerConfig struct {
	HTTPPort         int
	MetricsPort      int
	MaxMessageLength int
	TokenSecret      string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		MetricsPort:      9090,
		MaxMessageLength: 4096,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Auth   AuthSection   `toml:"auth"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length"`
}

type AuthSection struct {
	TokenSecret string `toml:"token_secret"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     8080,
			MetricsPort:  9090,
			DatabasePath: "~/.comms/comms.db",
		},
		Limits: LimitsSection{
			MaxMessageLength: 4096,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// if none exists, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if werr := writeDefaultConfig(path); werr != nil {
			// Possibly a permissions issue; run on defaults anyway.
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides following the
// pattern COMMS_SECTION_KEY (e.g. COMMS_SERVER_HTTP_PORT=8081).
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("COMMS_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("COMMS_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("COMMS_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("COMMS_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("COMMS_AUTH_TOKEN_SECRET"); val != "" {
		config.Auth.TokenSecret = val
	}
	return config
}

func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# comms server configuration
# This file was auto-generated with default values.
# Environment variables can override these settings:
# COMMS_SECTION_KEY (e.g. COMMS_SERVER_HTTP_PORT=8081)

[server]
# Port for the public HTTP server (/ws endpoint)
http_port = 8080

# Port for the internal metrics server (/metrics, /health) - never expose publicly
metrics_port = 9090

# Path to the SQLite database file
database_path = "~/.comms/comms.db"

[limits]
# Maximum message length in bytes
max_message_length = 4096

[auth]
# HMAC secret for identity tokens. Must match the session layer that mints
# them. Required; the server refuses to start without one.
# token_secret = "change-me"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts the file config into runtime configuration.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	cfg.TokenSecret = c.Auth.TokenSecret

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
