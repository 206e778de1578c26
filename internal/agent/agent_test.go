package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyteller/backend/internal/clock"
	"github.com/storyteller/backend/internal/discovery"
	"github.com/storyteller/backend/internal/ws"
)

func init() {
	hostInfo = func() (*host.InfoStat, error) {
		return &host.InfoStat{Hostname: "pi-garden", OS: "linux", Platform: "raspbian", KernelArch: "aarch64"}, nil
	}
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig(backend string) Config {
	cfg := DefaultConfig()
	cfg.ID = "S1"
	cfg.Name = "Garden"
	cfg.Location = "Hall A"
	cfg.BackendURL = backend
	return cfg
}

// backend stands in for the coordinator. The first failFor registrations
// get a 500; WebSocket frames are recorded.
type backend struct {
	srv      *httptest.Server
	requests atomic.Int32
	failFor  int32
	bodies   chan registerRequest
	frames   chan ws.Envelope
	conns    chan *websocket.Conn
}

func newBackend(t *testing.T, failFor int32) *backend {
	t.Helper()
	b := &backend{
		failFor: failFor,
		bodies:  make(chan registerRequest, 16),
		frames:  make(chan ws.Envelope, 16),
		conns:   make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/discovery/register", func(w http.ResponseWriter, r *http.Request) {
		n := b.requests.Add(1)
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			b.bodies <- req
		}
		if n <= b.failFor {
			http.Error(w, "store down", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
		for {
			var env ws.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			b.frames <- env
		}
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) frame(t *testing.T) ws.Envelope {
	t.Helper()
	select {
	case env := <-b.frames:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no frame received")
		return ws.Envelope{}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults"},
		{name: "chapter alias", mutate: func(c *Config) { c.Type = "chapter" }},
		{name: "server type", mutate: func(c *Config) { c.Type = "server" }, wantErr: "type must be"},
		{name: "device without device type", mutate: func(c *Config) { c.Type = "device" }, wantErr: "device_type"},
		{name: "device", mutate: func(c *Config) { c.Type = "device"; c.DeviceType = "printer" }},
		{name: "bad port", mutate: func(c *Config) { c.Port = 0 }, wantErr: "port"},
		{name: "no heartbeat", mutate: func(c *Config) { c.HeartbeatInterval = 0 }, wantErr: "heartbeat_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadConfigOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestNewGeneratesAndPersistsID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	cfg := DefaultConfig()

	a := New(cfg, path, clock.Fake(epoch))
	id := a.Config().ID
	assert.True(t, strings.HasPrefix(id, "station_"), id)

	saved, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, id, saved.ID)
}

func TestAnnouncementMergesHostInfo(t *testing.T) {
	cfg := testConfig("")
	cfg.Metadata = map[string]any{"hostname": "garden-display", "floor": 2}
	a := New(cfg, "", clock.Fake(epoch))

	ann := a.Announcement()
	assert.Equal(t, "station", ann.Type)
	assert.Equal(t, "S1", ann.ID)
	assert.Equal(t, 8080, ann.Port)
	assert.Equal(t, "garden-display", ann.Metadata["hostname"])
	assert.Equal(t, "raspbian", ann.Metadata["platform"])
	assert.Equal(t, 2, ann.Metadata["floor"])
}

func TestInfoEndpointsSatisfyProber(t *testing.T) {
	a := New(testConfig(""), "", clock.Fake(epoch))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/agent/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ann discovery.Announcement
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ann))
	agent, err := ann.Normalize("10.0.0.7", "scan", epoch)
	require.NoError(t, err)
	assert.Equal(t, "S1", agent.ID)
	assert.Equal(t, "Hall A", agent.Location)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "station", health["type"])
}

func TestPostConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	a := New(testConfig(""), path, clock.Fake(epoch))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/config", "application/json", strings.NewReader(`{"name":"Rose Garden","location":"Hall B"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "Rose Garden", a.Config().Name)
	assert.Equal(t, "S1", a.Config().ID)
	saved, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Hall B", saved.Location)

	resp, err = http.Post(srv.URL+"/api/config", "application/json", strings.NewReader(`{"type":"server"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "station", a.Config().Type)
}

func TestRegisterRetriesWithBackoff(t *testing.T) {
	b := newBackend(t, 2)
	clk := clock.Fake(epoch)
	a := New(testConfig(b.srv.URL), "", clk)

	done := make(chan error, 1)
	go func() { done <- a.Register(context.Background()) }()

	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)
	clk.WaitForTimers(1)
	clk.Advance(4 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Register did not return")
	}
	assert.EqualValues(t, 3, b.requests.Load())
	assert.True(t, a.registered.Load())

	body := <-b.bodies
	assert.Equal(t, "S1", body.AgentID)
	assert.Equal(t, "station", body.AgentType)
	assert.Equal(t, "online", body.Status)
}

func TestRegisterExhausted(t *testing.T) {
	b := newBackend(t, 100)
	clk := clock.Fake(epoch)
	cfg := testConfig(b.srv.URL)
	cfg.RegisterRetries = 2
	a := New(cfg, "", clk)

	done := make(chan error, 1)
	go func() { done <- a.Register(context.Background()) }()

	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)
	clk.WaitForTimers(1)
	clk.Advance(4 * time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRegistrationExhausted)
		assert.Contains(t, err.Error(), "store down")
	case <-time.After(3 * time.Second):
		t.Fatal("Register did not return")
	}
	assert.EqualValues(t, 3, b.requests.Load())
	assert.False(t, a.registered.Load())
}

func TestRegisterStopsOnCancel(t *testing.T) {
	b := newBackend(t, 100)
	clk := clock.Fake(epoch)
	a := New(testConfig(b.srv.URL), "", clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Register(ctx) }()

	clk.WaitForTimers(1)
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(3 * time.Second):
		t.Fatal("Register did not return")
	}
}

func TestHeartbeatLoopPostsHeartbeats(t *testing.T) {
	b := newBackend(t, 0)
	clk := clock.Fake(epoch)
	a := New(testConfig(b.srv.URL), "", clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.heartbeatLoop(ctx)

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)

	select {
	case body := <-b.bodies:
		assert.Equal(t, "heartbeat", body.Status)
		assert.Equal(t, "Garden", body.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat posted")
	}
}

func TestSessionRegistersAndHeartbeats(t *testing.T) {
	b := newBackend(t, 0)
	clk := clock.Fake(epoch)
	a := New(testConfig(b.srv.URL), "", clk)

	var mu sync.Mutex
	var events []string
	a.OnEvent(func(event string, _ json.RawMessage) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.runSession(ctx)

	env := b.frame(t)
	require.Equal(t, ws.EvStationRegister, env.Event)
	var reg ws.StationRegister
	require.NoError(t, json.Unmarshal(env.Payload, &reg))
	assert.Equal(t, "S1", reg.StationID)
	assert.Equal(t, "Hall A", reg.Location)

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)
	env = b.frame(t)
	require.Equal(t, ws.EvHeartbeat, env.Event)
	var hb ws.HeartbeatRequest
	require.NoError(t, json.Unmarshal(env.Payload, &hb))
	assert.Equal(t, "S1", hb.StationID)

	conn := <-b.conns
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"registration_status","payload":{"count":1}}`)))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && events[0] == "registration_status"
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, a.connected.Load())
}

func TestDeviceSessionFrames(t *testing.T) {
	register, heartbeat := sessionFrames(discovery.Announcement{Type: "device", ID: "D1", DeviceType: "printer"})
	assert.Equal(t, ws.EvDeviceRegister, register.event)
	assert.Equal(t, ws.DeviceRegister{DeviceID: "D1", Kind: "printer"}, register.payload)
	assert.Equal(t, ws.HeartbeatRequest{}, heartbeat.payload)
}

func TestSessionURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://10.0.0.2:3000", "ws://10.0.0.2:3000/ws"},
		{"https://story.example/", "wss://story.example/ws"},
		{"ws://10.0.0.2:3000", "ws://10.0.0.2:3000/ws"},
	}
	for _, tt := range tests {
		got, err := sessionURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := sessionURL("ftp://x")
	assert.Error(t, err)
}

func TestAnnounceSendsDatagram(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	cfg := testConfig("")
	cfg.AnnounceAddr = "127.0.0.1"
	cfg.AnnouncePort = conn.LocalAddr().(*net.UDPAddr).Port
	a := New(cfg, "", clock.Fake(epoch))
	require.NoError(t, a.Announce())

	buf := make([]byte, 8<<10)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	ann, err := discovery.ParseAnnouncement(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, "S1", ann.ID)
	assert.Equal(t, "station", ann.Type)
}

func TestSaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, testConfig("http://x").Save(path))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://x", cfg.BackendURL)
}
