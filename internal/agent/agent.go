// Package agent is the station-side process: it describes itself to the
// coordinator over UDP and HTTP, keeps its registration alive with
// heartbeats and holds a live WebSocket session for session events.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sync/errgroup"

	"github.com/storyteller/backend/internal/clock"
	"github.com/storyteller/backend/internal/discovery"
)

var log = logging.MustGetLogger("agent")

var ErrRegistrationExhausted = errors.New("registration attempts exhausted")

// hostInfo is swapped out in tests.
var hostInfo = host.Info

// EventFunc receives every event the coordinator pushes on the live session.
type EventFunc func(event string, payload json.RawMessage)

type Agent struct {
	clk     clock.Clock
	started time.Time
	cfgPath string
	host    map[string]any

	mu      sync.RWMutex
	cfg     Config
	onEvent EventFunc

	registered atomic.Bool
	connected  atomic.Bool
}

// New prepares an agent. An empty cfg.ID is replaced by a generated one and,
// when cfgPath is set, written back so the agent keeps it across restarts.
func New(cfg Config, cfgPath string, clk clock.Clock) *Agent {
	if cfg.ID == "" {
		cfg.ID = generateID(cfg.kind())
		if cfgPath != "" {
			if err := cfg.Save(cfgPath); err != nil {
				log.Warningf("Could not persist generated id: %v", err)
			}
		}
	}
	return &Agent{
		clk:     clk,
		started: clk.Now(),
		cfgPath: cfgPath,
		host:    describeHost(),
		cfg:     cfg,
	}
}

func generateID(kind discovery.Kind) string {
	return string(kind) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}

func describeHost() map[string]any {
	info, err := hostInfo()
	if err != nil {
		log.Debugf("Host info unavailable: %v", err)
		return nil
	}
	return map[string]any{
		"hostname": info.Hostname,
		"os":       info.OS,
		"platform": info.Platform,
		"arch":     info.KernelArch,
	}
}

// OnEvent installs the session event callback. Must be called before Run.
func (a *Agent) OnEvent(fn EventFunc) {
	a.mu.Lock()
	a.onEvent = fn
	a.mu.Unlock()
}

func (a *Agent) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *Agent) setConfig(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Announcement is what the agent broadcasts and serves from its info
// endpoint. Host details are merged under the configured metadata.
func (a *Agent) Announcement() discovery.Announcement {
	cfg := a.Config()
	md := make(map[string]any, len(a.host)+len(cfg.Metadata))
	maps.Copy(md, a.host)
	maps.Copy(md, cfg.Metadata)
	return discovery.Announcement{
		Type:         string(cfg.kind()),
		ID:           cfg.ID,
		Name:         cfg.Name,
		Location:     cfg.Location,
		DeviceType:   cfg.DeviceType,
		Capabilities: cfg.Capabilities,
		Version:      cfg.Version,
		Port:         cfg.Port,
		Metadata:     md,
	}
}

// Run serves the info endpoints and runs the announcer. With a backend URL
// it also registers, heartbeats and keeps the live session open. It returns
// when ctx is cancelled or the info server fails.
func (a *Agent) Run(ctx context.Context) error {
	cfg := a.Config()
	log.Infof("%s agent %s starting on port %d", strings.ToUpper(cfg.Type), cfg.ID, cfg.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serve(ctx) })
	if cfg.AnnouncePort > 0 && cfg.AnnounceInterval > 0 {
		g.Go(func() error {
			a.announceLoop(ctx)
			return nil
		})
	}
	if cfg.BackendURL == "" {
		log.Warning("No backend URL configured, skipping registration")
		return g.Wait()
	}

	g.Go(func() error {
		if err := a.Register(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("Registration failed: %v", err)
		}
		a.heartbeatLoop(ctx)
		return nil
	})
	g.Go(func() error {
		a.runSession(ctx)
		return nil
	})
	return g.Wait()
}
