package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Adapter != "default" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "default")
	}
	if cfg.BlueZAdapter != "hci0" {
		t.Errorf("BlueZAdapter = %q, want %q", cfg.BlueZAdapter, "hci0")
	}
	if cfg.Authorizer != "bluez" {
		t.Errorf("Authorizer = %q, want %q", cfg.Authorizer, "bluez")
	}
	if cfg.OperationTimeout != 30*time.Second {
		t.Errorf("OperationTimeout = %s, want 30s", cfg.OperationTimeout)
	}
	if cfg.ClearRegistryOnScan {
		t.Error("ClearRegistryOnScan should default to false")
	}
	if cfg.Bridge.Socket != "" {
		t.Errorf("Bridge.Socket = %q, want empty (stdio)", cfg.Bridge.Socket)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
bluez_adapter: hci1
authorizer: static
operation_timeout: 5s
clear_registry_on_scan: true
bridge:
  socket: /tmp/blecentral.sock
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.BlueZAdapter != "hci1" {
		t.Errorf("BlueZAdapter = %q, want %q", cfg.BlueZAdapter, "hci1")
	}
	if cfg.Authorizer != "static" {
		t.Errorf("Authorizer = %q, want %q", cfg.Authorizer, "static")
	}
	if cfg.OperationTimeout != 5*time.Second {
		t.Errorf("OperationTimeout = %s, want 5s", cfg.OperationTimeout)
	}
	if !cfg.ClearRegistryOnScan {
		t.Error("ClearRegistryOnScan = false, want true")
	}
	if cfg.Bridge.Socket != "/tmp/blecentral.sock" {
		t.Errorf("Bridge.Socket = %q, want %q", cfg.Bridge.Socket, "/tmp/blecentral.sock")
	}
	// Unset keys keep their defaults.
	if cfg.Adapter != "default" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "default")
	}
}

func TestLoadAdapter(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("adapter: hci1\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Adapter != "hci1" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "hci1")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
bridge:
  socket: ~/run/blecentral.sock
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "run/blecentral.sock")
	if cfg.Bridge.Socket != expected {
		t.Errorf("Bridge.Socket = %q, want %q", cfg.Bridge.Socket, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("operation_timeout: [1, 2\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "static authorizer without bluez adapter",
			modify:  func(c *Config) { c.Authorizer = "static"; c.BlueZAdapter = "" },
			wantErr: false,
		},
		{
			name:    "zero timeout disables timeouts",
			modify:  func(c *Config) { c.OperationTimeout = 0 },
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "named bluez adapter",
			modify:  func(c *Config) { c.Adapter = "hci1" },
			wantErr: false,
		},
		{
			name:    "unsupported adapter",
			modify:  func(c *Config) { c.Adapter = "usb0" },
			wantErr: true,
		},
		{
			name:    "empty adapter",
			modify:  func(c *Config) { c.Adapter = "" },
			wantErr: true,
		},
		{
			name:    "unknown authorizer",
			modify:  func(c *Config) { c.Authorizer = "polkit" },
			wantErr: true,
		},
		{
			name:    "bluez authorizer without adapter",
			modify:  func(c *Config) { c.BlueZAdapter = "" },
			wantErr: true,
		},
		{
			name:    "negative timeout",
			modify:  func(c *Config) { c.OperationTimeout = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blecentral", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# blecentral") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.OperationTimeout != 30*time.Second {
		t.Errorf("written config OperationTimeout = %s, want 30s", cfg.OperationTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blecentral")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
