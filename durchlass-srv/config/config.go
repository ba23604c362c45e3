// Package config loads the durchlass configuration from defaults,
// environment variables and an optional JSON or HCL config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	// DefaultConnectTimeoutMs bounds the first outbound connection attempt.
	DefaultConnectTimeoutMs = 5000
	// DefaultRetryTimeoutMs bounds the single retry attempt.
	DefaultRetryTimeoutMs = 16000
)

// Config represents the main configuration for the relay server.
type Config struct {
	ListenAddress    string `json:"listen-address" hcl:"listen-address,optional"`
	ConnectTimeoutMs int    `json:"connect-timeout-ms" hcl:"connect-timeout-ms,optional"`
	RetryTimeoutMs   int    `json:"retry-timeout-ms" hcl:"retry-timeout-ms,optional"`
	LogLevel         string `json:"log-level" hcl:"log-level,optional"`
}

// LoadConfig loads configuration from the specified file path. An empty path
// yields defaults plus environment overrides. The file format is selected by
// extension: .json or .hcl.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		ListenAddress:    "127.0.0.1:8080",
		ConnectTimeoutMs: DefaultConnectTimeoutMs,
		RetryTimeoutMs:   DefaultRetryTimeoutMs,
		LogLevel:         "info",
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		cleanPath := filepath.Clean(configPath)
		if !filepath.IsAbs(cleanPath) {
			absPath, err := filepath.Abs(cleanPath)
			if err != nil {
				return nil, fmt.Errorf("invalid config file path: %w", err)
			}
			cleanPath = absPath
		}

		var err error
		switch strings.ToLower(filepath.Ext(cleanPath)) {
		case ".json":
			err = loadJSONConfig(cleanPath, cfg)
		case ".hcl":
			err = hclsimple.DecodeFile(cleanPath, nil, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", filepath.Ext(cleanPath))
		}
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	file, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("DURCHLASS_LISTEN_ADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}
	if level := os.Getenv("DURCHLASS_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if ms := os.Getenv("DURCHLASS_CONNECT_TIMEOUT_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil {
			cfg.ConnectTimeoutMs = v
		}
	}
	if ms := os.Getenv("DURCHLASS_RETRY_TIMEOUT_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil {
			cfg.RetryTimeoutMs = v
		}
	}
}

func (c *Config) validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen-address must not be empty")
	}
	if c.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("connect-timeout-ms must be positive, got %d", c.ConnectTimeoutMs)
	}
	if c.RetryTimeoutMs <= 0 {
		return fmt.Errorf("retry-timeout-ms must be positive, got %d", c.RetryTimeoutMs)
	}
	return nil
}
