// Package config loads engine configuration from a TOML file
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/skylarkmail/skylark/internal/imap"
)

// FetchOrder values for new-message enumeration.
const (
	FetchOrderAscending  = "ascending"
	FetchOrderDescending = "descending"
)

// Config is the full configuration file.
type Config struct {
	Account AccountConfig `toml:"account"`
	Engine  EngineConfig  `toml:"engine"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
}

// AccountConfig describes how to reach and log in to the server.
type AccountConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Security string `toml:"security"` // "tls", "starttls", "none"
	Username string `toml:"username"`

	// AuthMechanism forces a SASL mechanism; empty means LOGIN (or
	// PLAIN when the server disables LOGIN).
	AuthMechanism string `toml:"auth_mechanism"`

	// ShellCommand switches to process transport. %h and %u are
	// replaced with host and user.
	ShellCommand string `toml:"shell_command"`
}

// EngineConfig holds the knobs the engine core consumes.
type EngineConfig struct {
	ConcurrentConnections int    `toml:"concurrent_connections"`
	FetchOrder            string `toml:"fetch_order"`
	BatchFetchCount       int    `toml:"batch_fetch_count"`
	UseIdle               bool   `toml:"use_idle"`
	UseQresync            bool   `toml:"use_qresync"`
	MobileMode            bool   `toml:"mobile_mode"`
}

// StorageConfig locates the summary database and body cache.
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
	CachePath    string `toml:"cache_path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level   string `toml:"level"`
	Console bool   `toml:"console"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Account: AccountConfig{
			Port:     993,
			Security: "tls",
		},
		Engine: EngineConfig{
			ConcurrentConnections: 3,
			FetchOrder:            FetchOrderAscending,
			BatchFetchCount:       500,
			UseIdle:               true,
			UseQresync:            true,
		},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

// Load reads a TOML config file from path, validates it, and returns
// the Config merged over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if cfg.Account.Host == "" {
		return nil, fmt.Errorf("config: account host is required")
	}
	if cfg.Account.Username == "" && cfg.Account.ShellCommand == "" {
		return nil, fmt.Errorf("config: account username is required")
	}
	switch cfg.Account.Security {
	case "tls", "starttls", "none":
	default:
		return nil, fmt.Errorf("config: unknown security %q", cfg.Account.Security)
	}
	switch cfg.Engine.FetchOrder {
	case FetchOrderAscending, FetchOrderDescending:
	default:
		return nil, fmt.Errorf("config: unknown fetch_order %q", cfg.Engine.FetchOrder)
	}
	if cfg.Engine.ConcurrentConnections < 1 {
		return nil, fmt.Errorf("config: concurrent_connections must be at least 1")
	}
	return &cfg, nil
}

// ManagerConfig converts the file configuration into the engine's
// pool configuration.
func (c *Config) ManagerConfig(session imap.Session) imap.ManagerConfig {
	transport := imap.DefaultTransportConfig()
	transport.Host = c.Account.Host
	if c.Account.Port != 0 {
		transport.Port = c.Account.Port
	}
	transport.Security = imap.SecurityType(c.Account.Security)
	transport.Username = c.Account.Username
	transport.ShellCommand = c.Account.ShellCommand
	transport.ConnectTimeout = 30 * time.Second

	server := imap.DefaultServerConfig()
	server.Transport = transport
	server.Session = session
	server.AuthMechanism = c.Account.AuthMechanism
	server.UseIdle = c.Engine.UseIdle
	server.UseQresync = c.Engine.UseQresync

	return imap.ManagerConfig{
		Server:                server,
		ConcurrentConnections: c.Engine.ConcurrentConnections,
		Refresh: imap.RefreshOptions{
			BatchFetchCount: c.Engine.BatchFetchCount,
			DescendingFetch: c.Engine.FetchOrder == FetchOrderDescending,
			MobileMode:      c.Engine.MobileMode,
		},
	}
}
