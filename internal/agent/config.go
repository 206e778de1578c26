package agent

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storyteller/backend/internal/discovery"
)

// Config describes one station or device agent. The same file is served and
// rewritten by the agent's /api/config endpoint.
type Config struct {
	ID           string         `yaml:"id" json:"id"`
	Type         string         `yaml:"type" json:"type"`
	Name         string         `yaml:"name" json:"name"`
	Location     string         `yaml:"location" json:"location"`
	DeviceType   string         `yaml:"device_type" json:"deviceType,omitempty"`
	Capabilities []string       `yaml:"capabilities" json:"capabilities"`
	Version      string         `yaml:"version" json:"version"`
	Metadata     map[string]any `yaml:"metadata" json:"metadata,omitempty"`

	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// BackendURL is the coordinator's HTTP base, e.g. http://10.0.0.2:3000.
	// Empty disables registration, heartbeats and the live session.
	BackendURL string `yaml:"backend_url" json:"backendUrl"`
	AuthToken  string `yaml:"auth_token" json:"-"`

	AnnounceAddr     string        `yaml:"announce_addr" json:"announceAddr"`
	AnnouncePort     int           `yaml:"announce_port" json:"announcePort"`
	AnnounceInterval time.Duration `yaml:"announce_interval" json:"announceInterval"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeatInterval"`
	RegisterRetries   int           `yaml:"register_retries" json:"registerRetries"`
	RegisterBackoff   time.Duration `yaml:"register_backoff" json:"registerBackoff"`
}

func DefaultConfig() Config {
	return Config{
		Type:              string(discovery.KindStation),
		Name:              "New Agent",
		Capabilities:      []string{},
		Version:           "1.0.0",
		Host:              "0.0.0.0",
		Port:              8080,
		AnnounceAddr:      "255.255.255.255",
		AnnouncePort:      8888,
		AnnounceInterval:  30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		RegisterRetries:   5,
		RegisterBackoff:   time.Second,
	}
}

// LoadConfig reads path over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// LoadConfigOrDefault is LoadConfig that treats a missing file as empty.
func LoadConfigOrDefault(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	cfg, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c Config) Validate() error {
	kind, ok := discovery.ParseKind(c.Type)
	if !ok {
		return fmt.Errorf("type must be station or device, got %q", c.Type)
	}
	if kind == discovery.KindDevice && c.DeviceType == "" {
		return errors.New("device_type is required for devices")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.AnnouncePort < 0 || c.AnnouncePort > 65535 {
		return fmt.Errorf("announce_port must be between 0 and 65535, got %d", c.AnnouncePort)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.RegisterRetries < 0 {
		return errors.New("register_retries must not be negative")
	}
	return nil
}

func (c Config) kind() discovery.Kind {
	k, _ := discovery.ParseKind(c.Type)
	return k
}
