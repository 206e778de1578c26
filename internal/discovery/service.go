package discovery

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"

	"github.com/storyteller/backend/internal/clock"
	"github.com/storyteller/backend/internal/config"
)

var log = logging.MustGetLogger("discovery")

var (
	ErrScanInProgress = errors.New("scan already in progress")
	ErrNotRunning     = errors.New("discovery listener not running")
)

// Registrar persists and activates agents found on the network.
type Registrar interface {
	RegisterAgent(ctx context.Context, a Agent) error
}

// Service runs passive (UDP announcements) and active (subnet sweep)
// discovery and keeps a cache of every agent seen.
type Service struct {
	mu            sync.RWMutex // protects cfg, agents, conn
	cfg           config.DiscoveryConfig
	agents        map[string]Agent
	conn          *net.UDPConn
	serverPort    int
	registrar     Registrar
	clk           clock.Clock
	stats         scanStats
	scanning      atomic.Bool
	running       atomic.Bool
	paused        atomic.Bool // periodic scans off after a reload disabled discovery
	reconfigureCh chan struct{}

	// hosts lists sweep targets; replaced in tests.
	hosts func(cfg config.DiscoveryConfig) ([]string, string, error)
}

// NewService creates a discovery service. serverPort is advertised in
// presence broadcasts so agents know where to connect.
func NewService(cfg config.DiscoveryConfig, serverPort int, registrar Registrar, clk clock.Clock) *Service {
	return &Service{
		cfg:           cfg,
		agents:        make(map[string]Agent),
		serverPort:    serverPort,
		registrar:     registrar,
		clk:           clk,
		reconfigureCh: make(chan struct{}, 1),
		hosts:         localSubnet,
	}
}

func localSubnet(cfg config.DiscoveryConfig) ([]string, string, error) {
	ip, _, err := LocalIPv4(cfg.Interface)
	if err != nil {
		return nil, "", err
	}
	return SubnetHosts(ip), ip.String(), nil
}

// SetConfig replaces the discovery settings. Intervals take effect
// immediately; the UDP port is only read at Run.
func (s *Service) SetConfig(cfg config.DiscoveryConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	select {
	case s.reconfigureCh <- struct{}{}:
	default:
	}
}

func (s *Service) config() config.DiscoveryConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Run binds the announcement port and runs both discovery paths until ctx
// is cancelled. It fails only if the port cannot be bound.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.config()
	conn, err := listenUDP(cfg.ListenPort)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.running.Store(true)
	defer func() {
		s.running.Store(false)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	log.Infof("UDP discovery listener bound to port %d", cfg.ListenPort)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveUDP(ctx, conn, func(data []byte, from *net.UDPAddr) {
			s.HandleAnnouncement(ctx, data, from.IP.String())
		})
	}()

	s.scanLoop(ctx)
	wg.Wait()
	return nil
}

func (s *Service) scanLoop(ctx context.Context) {
	cfg := s.config()
	quick := s.clk.NewTicker(cfg.QuickInterval)
	defer quick.Stop()
	full := s.clk.NewTicker(cfg.FullInterval)
	defer full.Stop()

	log.Infof("Network scans every %v (quick) and %v (full)", cfg.QuickInterval, cfg.FullInterval)
	for {
		select {
		case <-ctx.Done():
			log.Info("Discovery stopped")
			return
		case <-s.reconfigureCh:
			next := s.config()
			switch {
			case !next.Enabled:
				if !s.paused.Swap(true) {
					log.Info("Discovery disabled, periodic scans paused")
				}
			case next.QuickInterval <= 0 || next.FullInterval <= 0:
				log.Warningf("Ignoring discovery intervals quick=%v full=%v", next.QuickInterval, next.FullInterval)
			default:
				if next.QuickInterval != cfg.QuickInterval {
					quick.Reset(next.QuickInterval)
				}
				if next.FullInterval != cfg.FullInterval {
					full.Reset(next.FullInterval)
				}
				cfg = next
				s.paused.Store(false)
				log.Infof("Discovery reconfigured: quick=%v full=%v", cfg.QuickInterval, cfg.FullInterval)
			}
		case <-quick.C:
			if !s.paused.Load() {
				s.sweep(ctx, false)
			}
		case <-full.C:
			if !s.paused.Load() {
				s.sweep(ctx, true)
			}
		}
	}
}

func (s *Service) sweep(ctx context.Context, full bool) {
	if _, err := s.ScanNetwork(ctx, full); err != nil && !errors.Is(err, ErrScanInProgress) && ctx.Err() == nil {
		log.Warningf("Network scan failed: %v", err)
	}
}

// ScanNetwork sweeps the local /24. A quick pass probes the quick ports, a
// full pass probes every configured port. Only one scan runs at a time.
func (s *Service) ScanNetwork(ctx context.Context, full bool) (ScanResult, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return ScanResult{}, ErrScanInProgress
	}
	defer s.scanning.Store(false)

	cfg := s.config()
	hosts, local, err := s.hosts(cfg)
	if err != nil {
		return ScanResult{}, fmt.Errorf("resolve scan targets: %w", err)
	}
	ports := cfg.QuickPorts
	kind := "Quick"
	if full {
		ports = cfg.Ports
		kind = "Full"
	}

	prober := &Prober{
		ConnectTimeout: cfg.ConnectTimeout,
		ProbeTimeout:   cfg.ProbeTimeout,
		Endpoints:      cfg.Endpoints,
		Limit:          cfg.MaxConcurrentProbes,
	}
	res, err := prober.Scan(ctx, hosts, ports, func(f Found) {
		s.Observe(ctx, f.Announcement, f.IP, "scan")
	})
	s.stats.recordScan(full, res, s.clk.Now())
	log.Infof("%s scan from %s finished: %d targets, %d open, %d agents in %v",
		kind, local, res.Targets, res.OpenPorts, res.Found, res.Duration.Round(time.Millisecond))
	return res, err
}

// HandleAnnouncement processes one raw announcement received from ip.
func (s *Service) HandleAnnouncement(ctx context.Context, data []byte, ip string) error {
	ann, err := ParseAnnouncement(data)
	if err != nil {
		s.stats.recordBadAnnouncement(err, s.clk.Now())
		log.Warningf("Bad announcement from %s: %v", ip, err)
		return err
	}
	_, err = s.Observe(ctx, ann, ip, "udp")
	return err
}

// Observe normalizes an announcement, caches the agent and, when
// auto-registration is on, hands it to the registrar. Registration
// failures are logged, not returned.
func (s *Service) Observe(ctx context.Context, ann Announcement, ip, source string) (Agent, error) {
	agent, err := ann.Normalize(ip, source, s.clk.Now())
	if err != nil {
		if errors.Is(err, ErrNotAgent) {
			log.Debugf("Ignoring %s announcement from %s", ann.Type, ip)
		}
		return Agent{}, err
	}
	s.stats.recordAnnouncement()

	if s.remember(agent) {
		s.register(ctx, agent)
	}
	return agent, nil
}

// RegisterAgent caches an agent that announced itself explicitly and registers it
// whether or not auto-registration is enabled.
func (s *Service) RegisterAgent(ctx context.Context, agent Agent) error {
	s.remember(agent)
	return s.register(ctx, agent)
}

// remember caches agent and reports whether auto-registration is on.
func (s *Service) remember(agent Agent) bool {
	s.mu.Lock()
	_, known := s.agents[agent.ID]
	s.agents[agent.ID] = agent
	autoRegister := s.cfg.AutoRegister
	s.mu.Unlock()

	if !known {
		log.Infof("Discovered %s agent: %s (%s)", agent.Kind, agent.Name, agent.IP)
	}
	return autoRegister
}

func (s *Service) register(ctx context.Context, agent Agent) error {
	if s.registrar == nil {
		return nil
	}
	if err := s.registrar.RegisterAgent(ctx, agent); err != nil {
		s.stats.recordRegisterFailure(err, s.clk.Now())
		log.Errorf("Registration of %s failed: %v", agent.ID, err)
		return err
	}
	return nil
}

// Agents returns every cached agent, most recently seen first.
func (s *Service) Agents() []Agent {
	s.mu.RLock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Agent) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Service) Status() Status {
	cfg := s.config()
	st := Status{
		Running:     s.running.Load(),
		Scanning:    s.scanning.Load(),
		ScansPaused: s.paused.Load(),
		ListenPort:  cfg.ListenPort,
	}
	if ip, _, err := LocalIPv4(cfg.Interface); err == nil {
		st.LocalIP = ip.String()
	}
	s.mu.RLock()
	st.Agents = len(s.agents)
	s.mu.RUnlock()
	s.stats.fill(&st)
	return st
}

// serverAnnouncement is what BroadcastPresence sends. Listeners ignore it
// because its type is neither station nor device.
type serverAnnouncement struct {
	Type         string   `json:"type"`
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
}

// BroadcastPresence announces this server on the local broadcast address.
func (s *Service) BroadcastPresence() error {
	s.mu.RLock()
	conn, port := s.conn, s.cfg.ListenPort
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotRunning
	}

	data, err := json.Marshal(serverAnnouncement{
		Type:         "server",
		ID:           "storyteller-backend",
		Name:         "Storyteller Backend Server",
		Version:      "1.0.0",
		Port:         s.serverPort,
		Capabilities: []string{"participant_registration", "session_management", "monitoring"},
	})
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4bcast, Port: port}); err != nil {
		return fmt.Errorf("broadcast presence: %w", err)
	}
	log.Debugf("Presence broadcast sent on port %d", port)
	return nil
}
