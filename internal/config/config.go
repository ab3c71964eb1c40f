package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Adapter selects the radio adapter: "default", or on Linux a BlueZ
	// adapter id such as "hci1".
	Adapter string `yaml:"adapter"`
	// BlueZAdapter names the adapter queried for capabilities, e.g. "hci0".
	BlueZAdapter        string        `yaml:"bluez_adapter"`
	Authorizer          string        `yaml:"authorizer"` // "bluez" or "static"
	OperationTimeout    time.Duration `yaml:"operation_timeout"`
	ClearRegistryOnScan bool          `yaml:"clear_registry_on_scan"`
	Bridge              BridgeConfig  `yaml:"bridge"`
}

// BridgeConfig holds caller bridge settings.
type BridgeConfig struct {
	// Socket is a unix socket path. Empty serves on stdin/stdout.
	Socket string `yaml:"socket"`
}

var hciName = regexp.MustCompile(`^hci[0-9]+$`)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blecentral")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		Adapter:          "default",
		BlueZAdapter:     "hci0",
		Authorizer:       "bluez",
		OperationTimeout: 30 * time.Second,
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in bridge.socket is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Bridge.Socket = expandTilde(cfg.Bridge.Socket)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" without touching anything if a file already
// exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	content := append([]byte("# blecentral configuration\n"), body...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Adapter != "default" && !hciName.MatchString(c.Adapter) {
		return fmt.Errorf("adapter must be \"default\" or an hci name such as \"hci0\", got %q", c.Adapter)
	}

	switch c.Authorizer {
	case "bluez":
		if c.BlueZAdapter == "" {
			return fmt.Errorf("bluez_adapter must not be empty when authorizer is \"bluez\"")
		}
	case "static":
	default:
		return fmt.Errorf("authorizer must be \"bluez\" or \"static\", got %q", c.Authorizer)
	}

	if c.OperationTimeout < 0 {
		return fmt.Errorf("operation_timeout must be >= 0, got %s", c.OperationTimeout)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
