package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// SessionConfig holds the station defaults used until the configuration
// store supplies per-station thresholds.
type SessionConfig struct {
	MinParticipants int           `yaml:"min_participants"`
	MaxParticipants int           `yaml:"max_participants"`
	Countdown       time.Duration `yaml:"countdown"`
	Duration        time.Duration `yaml:"duration"`
}

type HeartbeatConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type DiscoveryConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ListenPort          int           `yaml:"listen_port"`
	QuickInterval       time.Duration `yaml:"quick_interval"`
	FullInterval        time.Duration `yaml:"full_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	MaxConcurrentProbes int           `yaml:"max_concurrent_probes"`
	QuickPorts          []int         `yaml:"quick_ports"`
	Ports               []int         `yaml:"ports"`
	Endpoints           []string      `yaml:"endpoints"`
	Interface           string        `yaml:"interface"`
	AutoRegister        bool          `yaml:"auto_register"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig enables best-effort fan-out of lifecycle events. An empty
// AMQPURL disables it.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present. Every
// value Load does not find in the file keeps its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3000,
			Host:           "0.0.0.0",
			MaxConnections: 1000,
		},
		Session: SessionConfig{
			MinParticipants: 2,
			MaxParticipants: 6,
			Countdown:       30 * time.Second,
			Duration:        30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Timeout: 10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:             true,
			ListenPort:          8888,
			QuickInterval:       30 * time.Second,
			FullInterval:        60 * time.Second,
			ConnectTimeout:      time.Second,
			ProbeTimeout:        2 * time.Second,
			MaxConcurrentProbes: 64,
			QuickPorts:          []int{3000, 8080},
			Ports:               []int{3000, 8080, 8888, 5000, 8000},
			Endpoints:           []string{"/api/agent/info", "/api/status", "/info", "/health"},
			AutoRegister:        true,
		},
		Store: StoreConfig{
			Path: "storyteller.db",
		},
		Events: EventsConfig{
			Exchange: "storyteller.events",
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default() when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Session.MinParticipants < 1 {
		errs = append(errs, fmt.Errorf("session.min_participants must be >= 1, got %d", c.Session.MinParticipants))
	}
	if c.Session.MaxParticipants < c.Session.MinParticipants {
		errs = append(errs, fmt.Errorf("session.max_participants (%d) below min_participants (%d)",
			c.Session.MaxParticipants, c.Session.MinParticipants))
	}
	if c.Session.Countdown < time.Second {
		errs = append(errs, fmt.Errorf("session.countdown must be at least 1s, got %v", c.Session.Countdown))
	}
	if c.Session.Duration <= 0 {
		errs = append(errs, errors.New("session.duration must be positive"))
	}
	if c.Heartbeat.Timeout <= 0 {
		errs = append(errs, errors.New("heartbeat.timeout must be positive"))
	}
	// Checked even when discovery is disabled: a reload can flip it back on.
	if c.Discovery.QuickInterval <= 0 || c.Discovery.FullInterval <= 0 {
		errs = append(errs, errors.New("discovery intervals must be positive"))
	}
	if c.Discovery.ConnectTimeout <= 0 || c.Discovery.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("discovery timeouts must be positive"))
	}
	if c.Discovery.MaxConcurrentProbes < 1 {
		errs = append(errs, errors.New("discovery.max_concurrent_probes must be >= 1"))
	}
	return errors.Join(errs...)
}

// CountdownSeconds is the registration window in whole seconds.
func (s SessionConfig) CountdownSeconds() int {
	return int(s.Countdown / time.Second)
}
