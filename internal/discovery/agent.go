package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindStation Kind = "station"
	KindDevice  Kind = "device"
)

// ErrNotAgent marks a payload that parsed but does not describe a station
// or device (our own server announcements, unrelated services).
var ErrNotAgent = errors.New("not an agent announcement")

// kindAliases accepts the older chapter/connection names some deployed
// agents still send.
var kindAliases = map[string]Kind{
	"station":    KindStation,
	"chapter":    KindStation,
	"device":     KindDevice,
	"connection": KindDevice,
}

func ParseKind(s string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

// Announcement is the self-description an agent broadcasts over UDP or
// serves from its info endpoint.
type Announcement struct {
	Type         string         `json:"type"`
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name,omitempty"`
	Location     string         `json:"location,omitempty"`
	DeviceType   string         `json:"deviceType,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Version      string         `json:"version,omitempty"`
	Port         int            `json:"port,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Agent is a discovered station or device.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"type"`
	IP           string    `json:"ipAddress"`
	Port         int       `json:"port"`
	ConfigURL    string    `json:"configUrl"`
	Location     string    `json:"location,omitempty"`
	DeviceType   string    `json:"deviceType"`
	Capabilities []string  `json:"capabilities"`
	Version      string    `json:"version"`
	Source       string    `json:"source"`
	LastSeen     time.Time `json:"lastSeen"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

const defaultAgentPort = 8080

// ParseAnnouncement decodes raw JSON.
func ParseAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: %w", err)
	}
	return a, nil
}

// Normalize fills defaults and validates the kind. ip is the address the
// announcement came from.
func (a Announcement) Normalize(ip, source string, now time.Time) (Agent, error) {
	kind, ok := ParseKind(a.Type)
	if !ok {
		return Agent{}, fmt.Errorf("%w: type %q", ErrNotAgent, a.Type)
	}

	agent := Agent{
		ID:           a.ID,
		Name:         a.Name,
		Kind:         kind,
		IP:           ip,
		Port:         a.Port,
		Location:     a.Location,
		DeviceType:   a.DeviceType,
		Capabilities: a.Capabilities,
		Version:      a.Version,
		Source:       source,
		LastSeen:     now,
		Metadata:     a.Metadata,
	}
	if agent.ID == "" {
		agent.ID = fmt.Sprintf("AUTO_%s_%d", strings.ToUpper(string(kind)), now.UnixMilli())
	}
	if agent.Name == "" {
		agent.Name = string(kind) + " device"
	}
	if agent.Port == 0 {
		agent.Port = defaultAgentPort
	}
	if agent.DeviceType == "" {
		agent.DeviceType = "unknown"
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	if agent.Version == "" {
		agent.Version = "1.0.0"
	}
	agent.ConfigURL = fmt.Sprintf("http://%s:%d", ip, agent.Port)
	return agent, nil
}
