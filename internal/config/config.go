// Package config loads the optional daemon config file. Flags and
// environment variables always win over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds file-backed daemon settings.
type Config struct {
	// ProviderURL is the identity provider base URL.
	ProviderURL string `yaml:"provider_url"`

	// APIKey is the provider API key sent on every call.
	APIKey string `yaml:"api_key"`

	// StorePath is the location of the durable state database.
	StorePath string `yaml:"store_path"`
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".sessiond", "config.yaml"), nil
}

// Load reads the config file at path. An empty path uses DefaultPath, and
// a missing file yields an empty config rather than an error.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}
