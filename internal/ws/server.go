package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storyteller/backend/internal/clock"
	"github.com/storyteller/backend/internal/config"
	"github.com/storyteller/backend/internal/discovery"
	"github.com/storyteller/backend/internal/station"
)

// Monitor is the read side of the session engine plus the HTTP heartbeat.
type Monitor interface {
	Snapshots(ctx context.Context) ([]station.Snapshot, error)
	Heartbeat(ctx context.Context, stationID string) (bool, error)
}

// Discovery is the discovery service as seen by the HTTP API.
type Discovery interface {
	Agents() []discovery.Agent
	ScanNetwork(ctx context.Context, full bool) (discovery.ScanResult, error)
	BroadcastPresence() error
	Status() discovery.Status
	RegisterAgent(ctx context.Context, agent discovery.Agent) error
}

type Server struct {
	hub            *Hub
	monitor        Monitor
	discovery      Discovery
	clk            clock.Clock
	started        time.Time
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(cfg config.ServerConfig, hub *Hub, monitor Monitor, disc Discovery, clk clock.Clock) *Server {
	s := &Server{
		hub:            hub,
		monitor:        monitor,
		discovery:      disc,
		clk:            clk,
		started:        clk.Now(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetupRoutes registers every endpoint on mux. Connections accepted on /ws
// live until ctx is cancelled or the peer goes away.
func (s *Server) SetupRoutes(ctx context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { s.handleWS(ctx, w, r) })
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/monitor/stations", s.handleStations)
	mux.HandleFunc("/api/discovery/agents", s.handleAgents)
	mux.HandleFunc("/api/discovery/scan", s.handleScan)
	mux.HandleFunc("/api/discovery/broadcast", s.handleBroadcast)
	mux.HandleFunc("/api/discovery/status", s.handleDiscoveryStatus)
	mux.HandleFunc("/api/discovery/register", s.handleRegister)
	mux.HandleFunc("/api/stats", s.handleStats)
}

func (s *Server) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("ws upgrade error: %v", err)
		return
	}

	if err := s.hub.Serve(ctx, conn, r.RemoteAddr); err != nil {
		log.Warningf("Rejecting connection from %s: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.clk.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "storyteller-backend",
		"timestamp": now,
		"uptime":    int(now.Sub(s.started) / time.Second),
	})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	snaps, err := s.monitor.Snapshots(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": snaps})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.discovery.Agents()})
}

// handleScan runs a sweep synchronously. ?full=true probes every
// configured port instead of the quick set.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	full := r.URL.Query().Get("full") == "true"
	res, err := s.discovery.ScanNetwork(r.Context(), full)
	switch {
	case errors.Is(err, discovery.ErrScanInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"message": "Network scan completed", "result": res})
	}
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	err := s.discovery.BroadcastPresence()
	switch {
	case errors.Is(err, discovery.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Presence broadcast sent"})
	}
}

func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.discovery.Status())
}

// RegisterRequest is the body agents POST to /api/discovery/register on
// startup and then periodically as an HTTP heartbeat.
type RegisterRequest struct {
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

type RegisterResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	AgentID   string    `json:"agentId"`
	AgentType string    `json:"agentType"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.AgentID == "" || req.AgentType == "" {
		writeError(w, http.StatusBadRequest, errors.New("agentId and agentType are required"))
		return
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	now := s.clk.Now()
	agent, err := discovery.Announcement{
		Type:         req.AgentType,
		ID:           req.AgentID,
		Name:         req.Name,
		Location:     req.Location,
		DeviceType:   req.DeviceType,
		Capabilities: req.Capabilities,
		Version:      req.Version,
		Port:         req.Port,
		Metadata:     req.Metadata,
	}.Normalize(ip, "http", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.discovery.RegisterAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if agent.Kind == discovery.KindStation {
		if _, err := s.monitor.Heartbeat(r.Context(), agent.ID); err != nil {
			log.Warningf("Heartbeat for %s failed: %v", agent.ID, err)
		}
	}

	log.Debugf("Agent registered over HTTP: %s (%s)", agent.ID, agent.Kind)
	writeJSON(w, http.StatusOK, RegisterResponse{
		Success:   true,
		Message:   "Agent registered successfully",
		AgentID:   agent.ID,
		AgentType: string(agent.Kind),
		Timestamp: now,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

// guard checks auth and method, writing the error response itself.
func (s *Server) guard(w http.ResponseWriter, r *http.Request, method string) bool {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Storyteller-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves mux until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
