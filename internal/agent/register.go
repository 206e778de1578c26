package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storyteller/backend/internal/clock"
)

const requestTimeout = 10 * time.Second

type registerRequest struct {
	AgentID      string         `json:"agentId"`
	AgentType    string         `json:"agentType"`
	Name         string         `json:"name,omitempty"`
	Location     string         `json:"location,omitempty"`
	Port         int            `json:"port,omitempty"`
	DeviceType   string         `json:"deviceType,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Version      string         `json:"version,omitempty"`
	Status       string         `json:"status,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Register announces the agent to the coordinator. A failed attempt n is
// retried after RegisterBackoff * 2^n, up to RegisterRetries retries, after
// which ErrRegistrationExhausted is returned.
func (a *Agent) Register(ctx context.Context) error {
	retries := a.Config().RegisterRetries
	var err error
	for attempt := 0; ; attempt++ {
		if err = a.post(ctx, "online"); err == nil {
			a.registered.Store(true)
			log.Infof("Registered with backend as %s", a.Config().ID)
			return nil
		}
		if attempt >= retries {
			break
		}
		delay := a.Config().RegisterBackoff << (attempt + 1)
		log.Warningf("Registration failed: %v, retrying in %s (attempt %d/%d)", err, delay, attempt+1, retries)
		if !clock.Sleep(a.clk, delay, ctx.Done()) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRegistrationExhausted, retries+1, err)
}

// heartbeatLoop re-posts the registration every HeartbeatInterval. Failures
// are logged; the next tick tries again.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := a.clk.NewTicker(a.Config().HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.post(ctx, "heartbeat"); err != nil {
				log.Warningf("Heartbeat failed: %v", err)
				continue
			}
			a.registered.Store(true)
		}
	}
}

func (a *Agent) post(ctx context.Context, status string) error {
	cfg := a.Config()
	ann := a.Announcement()
	body, err := json.Marshal(registerRequest{
		AgentID:      ann.ID,
		AgentType:    ann.Type,
		Name:         ann.Name,
		Location:     ann.Location,
		Port:         ann.Port,
		DeviceType:   ann.DeviceType,
		Capabilities: ann.Capabilities,
		Version:      ann.Version,
		Status:       status,
		Metadata:     ann.Metadata,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	url := strings.TrimRight(cfg.BackendURL, "/") + "/api/discovery/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
