// Package config provides configuration management for the Avro RPC
// server and client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Client   ClientConfig   `yaml:"client"`
	Logging  LoggingConfig  `yaml:"logging"`
	Protocol ProtocolConfig `yaml:"protocol"`
}

// ServerConfig configures the embedded HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// CacheConfig configures the handshake compatibility cache.
type CacheConfig struct {
	MaxEntries int    `yaml:"maxEntries"`
	Eviction   string `yaml:"eviction"` // fifo is the only implemented strategy; lru is rejected at Validate time
}

// ClientConfig configures the gateway's handshake retry behavior.
type ClientConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
}

// LoggingConfig configures the slog sinks.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	File   FileLoggingConfig `yaml:"file"`
	Syslog SyslogConfig      `yaml:"syslog"`
}

// FileLoggingConfig configures the optional lumberjack-rotated sink.
type FileLoggingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// SyslogConfig configures the optional syslog sink.
type SyslogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Network string `yaml:"network"` // udp, tcp, or empty for local
	Address string `yaml:"address"`
}

// ProtocolConfig configures protocol namespace derivation.
type ProtocolConfig struct {
	Namespace       string `yaml:"namespace"`
	BuildTagFromVCS bool   `yaml:"buildTagFromVCS"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries: 100,
			Eviction:   "fifo",
		},
		Client: ClientConfig{
			Timeout:  30 * time.Second,
			Attempts: 3,
		},
		Logging: LoggingConfig{
			Level: "info",
			File: FileLoggingConfig{
				Path:       "/var/log/avrorpc/server.log",
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
			Syslog: SyslogConfig{
				Network: "udp",
			},
		},
		Protocol: ProtocolConfig{
			Namespace: "com.example.rpc",
		},
	}
}

// Load loads configuration from a YAML file and environment
// variables. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies AVRORPC_-prefixed environment variable
// overrides, the highest-precedence configuration source.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AVRORPC_SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("AVRORPC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("AVRORPC_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.MaxEntries = n
		}
	}
	if v := os.Getenv("AVRORPC_CACHE_EVICTION"); v != "" {
		c.Cache.Eviction = v
	}
	if v := os.Getenv("AVRORPC_CLIENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Client.Timeout = d
		}
	}
	if v := os.Getenv("AVRORPC_CLIENT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Client.Attempts = n
		}
	}
	if v := os.Getenv("AVRORPC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AVRORPC_LOGGING_FILE_ENABLED"); v != "" {
		c.Logging.File.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("AVRORPC_LOGGING_FILE_PATH"); v != "" {
		c.Logging.File.Path = v
	}
	if v := os.Getenv("AVRORPC_LOGGING_SYSLOG_ENABLED"); v != "" {
		c.Logging.Syslog.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("AVRORPC_LOGGING_SYSLOG_ADDRESS"); v != "" {
		c.Logging.Syslog.Address = v
	}
	if v := os.Getenv("AVRORPC_PROTOCOL_NAMESPACE"); v != "" {
		c.Protocol.Namespace = v
	}
	if v := os.Getenv("AVRORPC_PROTOCOL_BUILD_TAG_FROM_VCS"); v != "" {
		c.Protocol.BuildTagFromVCS = strings.ToLower(v) == "true" || v == "1"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	eviction := strings.ToLower(c.Cache.Eviction)
	if eviction != "fifo" {
		if eviction == "lru" {
			return fmt.Errorf("cache eviction %q is not implemented, only fifo is", c.Cache.Eviction)
		}
		return fmt.Errorf("invalid cache eviction strategy: %s", c.Cache.Eviction)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.maxEntries must be positive, got %d", c.Cache.MaxEntries)
	}

	if c.Client.Attempts < 1 {
		return fmt.Errorf("client.attempts must be positive, got %d", c.Client.Attempts)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	if c.Protocol.Namespace == "" {
		return fmt.Errorf("protocol.namespace must not be empty")
	}

	return nil
}

// Address returns the server's listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ReloadableFields are the subset of configuration the hot-reload
// watcher is permitted to apply without a restart (SPEC_FULL.md
// §10.3). Every other field is read once at startup.
type ReloadableFields struct {
	LogLevel        string
	CacheMaxEntries int
}

// Snapshot extracts the currently reloadable fields.
func (c *Config) Snapshot() ReloadableFields {
	return ReloadableFields{
		LogLevel:        c.Logging.Level,
		CacheMaxEntries: c.Cache.MaxEntries,
	}
}
