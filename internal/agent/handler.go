package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Handler serves the endpoints the coordinator's scanner probes plus the
// local configuration API.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/agent/info", a.handleInfo)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/config", a.handleGetConfig)
	mux.HandleFunc("POST /api/config", a.handlePostConfig)
	return mux
}

func (a *Agent) serve(ctx context.Context) error {
	cfg := a.Config()
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("agent http server: %w", err)
	}
	return nil
}

func (a *Agent) handleHealth(w http.ResponseWriter, _ *http.Request) {
	cfg := a.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": a.clk.Now(),
		"type":      string(cfg.kind()),
		"id":        cfg.ID,
		"name":      cfg.Name,
	})
}

func (a *Agent) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Announcement())
}

func (a *Agent) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"online":     a.registered.Load(),
		"connected":  a.connected.Load(),
		"uptime":     a.clk.Now().Sub(a.started).Seconds(),
		"config":     a.Config(),
		"timestamp":  a.clk.Now(),
		"backendUrl": a.Config().BackendURL,
	})
}

func (a *Agent) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Config())
}

// handlePostConfig merges the body over the current configuration. Identity
// changes reach the coordinator with the next heartbeat.
func (a *Agent) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	cfg := a.Config()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if cfg.ID == "" {
		cfg.ID = generateID(cfg.kind())
	}
	if err := cfg.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if a.cfgPath != "" {
		if err := cfg.Save(a.cfgPath); err != nil {
			log.Errorf("Failed to save configuration: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save configuration"})
			return
		}
	}
	a.setConfig(cfg)
	log.Infof("Configuration updated for %s", cfg.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Response encode failed: %v", err)
	}
}
