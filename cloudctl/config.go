package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mesmerverse/cloudarea/transport"
)

// Config holds the cloudctl configuration
type Config struct {
	// Identifier names the cloud secure area instance
	Identifier string `yaml:"identifier"`

	// Transport selects the server connection: "http", "nats" or "vsock"
	Transport string `yaml:"transport"`

	// HTTP endpoint settings
	HTTP HTTPConfig `yaml:"http"`

	// NATS request/reply settings
	NATS transport.NATSConfig `yaml:"nats"`

	// Vsock settings for talking to a local enclave
	Vsock VsockConfig `yaml:"vsock"`

	// Storage settings
	Storage StorageConfig `yaml:"storage"`
}

// HTTPConfig holds HTTP endpoint settings
type HTTPConfig struct {
	URL string `yaml:"url"`
}

// VsockConfig holds vsock connection settings
type VsockConfig struct {
	CID     uint32 `yaml:"cid"`
	Port    uint32 `yaml:"port"`
	DevMode bool   `yaml:"dev_mode"`
	URL     string `yaml:"url"`
}

// StorageConfig holds local storage settings
type StorageConfig struct {
	Path string `yaml:"path"`

	// DEKFile points to a 32-byte data encryption key; empty means
	// values are stored unencrypted
	DEKFile string `yaml:"dek_file"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration back to a YAML file
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Transport: "http",
		HTTP: HTTPConfig{
			URL: "http://localhost:8200/cloudarea",
		},
		NATS: transport.NATSConfig{
			URL:            "nats://localhost:4222",
			Subject:        "cloudarea.exchange",
			ReconnectWait:  2000,
			MaxReconnects:  -1, // Unlimited
			RequestTimeout: 30000,
		},
		Vsock: VsockConfig{
			CID:     16, // Default enclave CID
			Port:    5000,
			DevMode: false,
			URL:     "http://enclave/cloudarea",
		},
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cloudarea.db"
	}
	return home + "/.cloudarea/cloudarea.db"
}

func loadDEK(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	dek, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read DEK file: %w", err)
	}
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK file must hold exactly 32 bytes, got %d", len(dek))
	}
	return dek, nil
}
