package tempest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the recognized options of spec.md §6. Zero-value fields
// are replaced by DefaultConfig's values when loaded through LoadConfig.
type Config struct {
	// MaxMessageLength is the hard cap on a single frame's total
	// length; larger payloads are split into Partial frames.
	MaxMessageLength uint32 `yaml:"max_message_length" json:"max_message_length"`

	// HandshakeTimeout bounds the full 4-message handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`

	// PingInterval is the server-advertised keepalive period; 0 disables it.
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`

	// BufferPoolLimit bounds the reusable send-buffer pool.
	BufferPoolLimit int `yaml:"buffer_pool_limit" json:"buffer_pool_limit"`

	// RequireEncryption rejects post-handshake frames missing the
	// encrypted+authenticated flags when true.
	RequireEncryption bool `yaml:"require_encryption" json:"require_encryption"`

	// ListenAddress is read by cmd/tempestd, which passes it to
	// Server.Start; the library does not read this field itself.
	ListenAddress string `yaml:"listen_address" json:"listen_address"`

	// LogLevel configures the zap logger built from this config by
	// cmd/ entry points ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns the option defaults named in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		MaxMessageLength:  1 << 20, // 1 MiB
		HandshakeTimeout:  30 * time.Second,
		PingInterval:      5 * time.Second,
		BufferPoolLimit:   10 * runtime.NumCPU(),
		RequireEncryption: true,
		ListenAddress:     ":7946",
		LogLevel:          "info",
	}
}

// LoadConfig reads YAML or JSON configuration from path over the
// defaults, then applies TEMPEST_-prefixed environment overrides and
// validates the result, following the layered Load() shape used by
// agentries-amp-relay-go/internal/config.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("tempest: read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("tempest: parse yaml config: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("tempest: parse json config: %w", err)
			}
		default:
			return nil, fmt.Errorf("tempest: unsupported config extension %q", filepath.Ext(path))
		}
	}

	applyConfigEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tempest: invalid config: %w", err)
	}
	return cfg, nil
}

func applyConfigEnv(cfg *Config) {
	if v := os.Getenv("TEMPEST_MAX_MESSAGE_LENGTH"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.MaxMessageLength = uint32(n)
		}
	}
	if v := os.Getenv("TEMPEST_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("TEMPEST_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PingInterval = d
		}
	}
	if v := os.Getenv("TEMPEST_BUFFER_POOL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BufferPoolLimit = n
		}
	}
	if v := os.Getenv("TEMPEST_REQUIRE_ENCRYPTION"); v != "" {
		cfg.RequireEncryption = parseBoolLoose(v)
	}
	if v := os.Getenv("TEMPEST_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("TEMPEST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func parseBoolLoose(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Validate rejects configurations that would make the engine
// misbehave rather than fail fast.
func (c *Config) Validate() error {
	if c.MaxMessageLength == 0 {
		return fmt.Errorf("max_message_length must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive")
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("ping_interval must not be negative")
	}
	if c.BufferPoolLimit <= 0 {
		return fmt.Errorf("buffer_pool_limit must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	return nil
}
