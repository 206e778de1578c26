package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyteller/backend/internal/clock"
	"github.com/storyteller/backend/internal/config"
	"github.com/storyteller/backend/internal/station"
	"github.com/storyteller/backend/internal/store"
)

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		ann      Announcement
		wantKind Kind
		wantErr  error
		check    func(t *testing.T, a Agent)
	}{
		{
			name:     "station",
			ann:      Announcement{Type: "station", ID: "S1", Name: "Cave", Port: 3000},
			wantKind: KindStation,
			check: func(t *testing.T, a Agent) {
				assert.Equal(t, "http://10.0.0.7:3000", a.ConfigURL)
				assert.Equal(t, "Cave", a.Name)
			},
		},
		{
			name:     "legacy chapter alias",
			ann:      Announcement{Type: "chapter", ID: "C1"},
			wantKind: KindStation,
		},
		{
			name:     "legacy connection alias with defaults",
			ann:      Announcement{Type: "Connection"},
			wantKind: KindDevice,
			check: func(t *testing.T, a Agent) {
				assert.Equal(t, "AUTO_DEVICE_"+strconv.FormatInt(now.UnixMilli(), 10), a.ID)
				assert.Equal(t, "device device", a.Name)
				assert.Equal(t, 8080, a.Port)
				assert.Equal(t, "unknown", a.DeviceType)
				assert.Equal(t, "1.0.0", a.Version)
				assert.NotNil(t, a.Capabilities)
			},
		},
		{
			name:    "server announcement",
			ann:     Announcement{Type: "server", ID: "storyteller-backend"},
			wantErr: ErrNotAgent,
		},
		{
			name:    "missing type",
			ann:     Announcement{ID: "x"},
			wantErr: ErrNotAgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := tt.ann.Normalize("10.0.0.7", "udp", now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, a.Kind)
			assert.Equal(t, "10.0.0.7", a.IP)
			assert.Equal(t, now, a.LastSeen)
			if tt.check != nil {
				tt.check(t, a)
			}
		})
	}
}

func TestSubnetHosts(t *testing.T) {
	hosts := SubnetHosts(net.ParseIP("192.168.1.10"))
	assert.Len(t, hosts, 253)
	assert.Equal(t, "192.168.1.1", hosts[0])
	assert.Equal(t, "192.168.1.254", hosts[len(hosts)-1])
	assert.NotContains(t, hosts, "192.168.1.10")

	assert.Nil(t, SubnetHosts(net.ParseIP("::1")))
}

func TestLocalIPv4(t *testing.T) {
	orig := interfaceLister
	t.Cleanup(func() { interfaceLister = orig })

	interfaceLister = func() (psnet.InterfaceStatList, error) {
		return psnet.InterfaceStatList{
			{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
			{Name: "eth1", Flags: []string{"broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.9.9.9/24"}}},
			{Name: "eth0", Flags: []string{"up", "broadcast"}, Addrs: psnet.InterfaceAddrList{
				{Addr: "fe80::1/64"},
				{Addr: "192.168.4.20/24"},
			}},
		}, nil
	}

	ip, ipnet, err := LocalIPv4("")
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.20", ip.String())
	assert.Equal(t, "192.168.4.0/24", ipnet.String())

	_, _, err = LocalIPv4("eth1")
	assert.ErrorIs(t, err, ErrNoInterface, "interface that is down is skipped")

	interfaceLister = func() (psnet.InterfaceStatList, error) { return nil, errors.New("boom") }
	_, _, err = LocalIPv4("")
	assert.Error(t, err)
}

// agentServer serves a station description on /api/agent/info and an
// unrelated health document on /health.
func agentServer(t *testing.T, ann Announcement) (host string, port int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/agent/info", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(ann)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestProberFindsAgent(t *testing.T) {
	host, port := agentServer(t, Announcement{Type: "station", ID: "S1", Name: "Cave"})

	p := &Prober{
		ConnectTimeout: time.Second,
		ProbeTimeout:   time.Second,
		Endpoints:      []string{"/health", "/api/agent/info", "/info"},
		Limit:          4,
	}

	var (
		mu    sync.Mutex
		found []Found
	)
	res, err := p.Scan(context.Background(), []string{host}, []int{port, closedPort(t)}, func(f Found) {
		mu.Lock()
		defer mu.Unlock()
		found = append(found, f)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Targets)
	assert.Equal(t, 1, res.OpenPorts)
	assert.Equal(t, 1, res.Found)

	require.Len(t, found, 1)
	assert.Equal(t, "/api/agent/info", found[0].Endpoint)
	assert.Equal(t, "S1", found[0].Announcement.ID)
	assert.Equal(t, port, found[0].Announcement.Port, "missing port defaults to the probed one")
}

func TestProberIgnoresNonAgents(t *testing.T) {
	host, port := agentServer(t, Announcement{Type: "printer"})
	p := &Prober{
		ConnectTimeout: time.Second,
		ProbeTimeout:   time.Second,
		Endpoints:      []string{"/health", "/api/agent/info"},
		Limit:          1,
	}
	res, err := p.Scan(context.Background(), []string{host}, []int{port}, func(Found) {
		t.Error("no agent expected")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.OpenPorts)
	assert.Zero(t, res.Found)
}

func TestProberBoundsConcurrency(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		json.NewEncoder(w).Encode(Announcement{Type: "station", ID: r.Host})
	})

	var ports []int
	for i := 0; i < 8; i++ {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		u, err := url.Parse(srv.URL)
		require.NoError(t, err)
		port, err := strconv.Atoi(u.Port())
		require.NoError(t, err)
		ports = append(ports, port)
	}

	p := &Prober{
		ConnectTimeout: time.Second,
		ProbeTimeout:   time.Second,
		Endpoints:      []string{"/api/agent/info"},
		Limit:          2,
	}
	res, err := p.Scan(context.Background(), []string{"127.0.0.1"}, ports, func(Found) {})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Found)

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, peak)
	assert.LessOrEqual(t, peak, 2, "more probes in flight than the limit")
}

func TestProberAbandonsHangingEndpoint(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/api/agent/info", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Announcement{Type: "station", ID: "S1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	p := &Prober{
		ConnectTimeout: time.Second,
		ProbeTimeout:   200 * time.Millisecond,
		Endpoints:      []string{"/health", "/api/agent/info"},
		Limit:          1,
	}
	var found []Found
	start := time.Now()
	res, err := p.Scan(context.Background(), []string{u.Hostname()}, []int{port}, func(f Found) {
		found = append(found, f)
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Found)
	require.Len(t, found, 1)
	assert.Equal(t, "/api/agent/info", found[0].Endpoint)
}

func TestReloadDisablingDiscoveryPausesScans(t *testing.T) {
	clk := clock.Fake(time.Now())
	svc := NewService(testDiscoveryConfig(), 3000, nil, clk)
	sweeps := make(chan struct{}, 8)
	svc.hosts = func(config.DiscoveryConfig) ([]string, string, error) {
		sweeps <- struct{}{}
		return nil, "", errors.New("no subnet in tests")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.scanLoop(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitSweep := func() {
		t.Helper()
		select {
		case <-sweeps:
		case <-time.After(2 * time.Second):
			t.Fatal("no sweep")
		}
	}

	clk.WaitForTimers(2)
	clk.Advance(30 * time.Second)
	waitSweep()

	// A disabled config's zero intervals must never reach the tickers.
	off := testDiscoveryConfig()
	off.Enabled = false
	off.QuickInterval = 0
	off.FullInterval = 0
	svc.SetConfig(off)
	require.Eventually(t, func() bool { return svc.Status().ScansPaused }, 2*time.Second, 10*time.Millisecond)

	clk.Advance(60 * time.Second)
	assert.Never(t, func() bool { return len(sweeps) > 0 }, 200*time.Millisecond, 10*time.Millisecond)

	on := testDiscoveryConfig()
	on.QuickInterval = 10 * time.Second
	svc.SetConfig(on)
	require.Eventually(t, func() bool { return !svc.Status().ScansPaused }, 2*time.Second, 10*time.Millisecond)

	clk.Advance(10 * time.Second)
	waitSweep()
}

type fakeRegistrar struct {
	mu     sync.Mutex
	agents []Agent
	err    error
}

func (r *fakeRegistrar) RegisterAgent(_ context.Context, a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, a)
	return r.err
}

func (r *fakeRegistrar) registered() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Agent(nil), r.agents...)
}

func testDiscoveryConfig() config.DiscoveryConfig {
	cfg := config.Default().Discovery
	cfg.ConnectTimeout = time.Second
	cfg.ProbeTimeout = time.Second
	cfg.MaxConcurrentProbes = 4
	return cfg
}

func TestScanNetworkRegistersAgents(t *testing.T) {
	host, port := agentServer(t, Announcement{Type: "station", ID: "S1", Name: "Cave"})

	cfg := testDiscoveryConfig()
	cfg.QuickPorts = []int{closedPort(t)}
	cfg.Ports = []int{port}

	reg := &fakeRegistrar{}
	svc := NewService(cfg, 3000, reg, clock.Fake(time.Now()))
	svc.hosts = func(config.DiscoveryConfig) ([]string, string, error) {
		return []string{host}, "127.0.0.1", nil
	}

	res, err := svc.ScanNetwork(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, res.Found, "quick pass only probes quick ports")

	res, err = svc.ScanNetwork(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)

	agents := svc.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "S1", agents[0].ID)
	assert.Equal(t, "scan", agents[0].Source)
	require.Len(t, reg.registered(), 1)

	st := svc.Status()
	assert.Equal(t, 1, st.QuickScans)
	assert.Equal(t, 1, st.FullScans)
	assert.Equal(t, 1, st.Agents)
	assert.NotNil(t, st.LastFullScan)
}

func TestScanInProgress(t *testing.T) {
	svc := NewService(testDiscoveryConfig(), 3000, nil, clock.Fake(time.Now()))
	svc.scanning.Store(true)
	_, err := svc.ScanNetwork(context.Background(), true)
	assert.ErrorIs(t, err, ErrScanInProgress)
}

func TestHandleAnnouncement(t *testing.T) {
	reg := &fakeRegistrar{err: errors.New("store down")}
	svc := NewService(testDiscoveryConfig(), 3000, reg, clock.Fake(time.Now()))
	ctx := context.Background()

	assert.Error(t, svc.HandleAnnouncement(ctx, []byte("{not json"), "10.0.0.2"))
	assert.ErrorIs(t, svc.HandleAnnouncement(ctx, []byte(`{"type":"server"}`), "10.0.0.2"), ErrNotAgent)
	require.NoError(t, svc.HandleAnnouncement(ctx, []byte(`{"type":"device","id":"D1","port":9000}`), "10.0.0.3"))

	agents := svc.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "http://10.0.0.3:9000", agents[0].ConfigURL)

	st := svc.Status()
	assert.Equal(t, 1, st.BadAnnouncements)
	assert.Equal(t, 1, st.RegisterFailures)
	assert.Equal(t, "store down", st.LastError)
}

func TestAutoRegisterDisabled(t *testing.T) {
	cfg := testDiscoveryConfig()
	cfg.AutoRegister = false
	reg := &fakeRegistrar{}
	svc := NewService(cfg, 3000, reg, clock.Fake(time.Now()))

	require.NoError(t, svc.HandleAnnouncement(context.Background(), []byte(`{"type":"station","id":"S1"}`), "10.0.0.3"))
	assert.Empty(t, reg.registered())
	assert.Len(t, svc.Agents(), 1)

	agent, err := Announcement{Type: "station", ID: "S1"}.Normalize("10.0.0.3", "http", time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.RegisterAgent(context.Background(), agent))
	assert.Len(t, reg.registered(), 1, "explicit registration ignores auto_register")
	assert.Len(t, svc.Agents(), 1)
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestRunReceivesAnnouncements(t *testing.T) {
	cfg := testDiscoveryConfig()
	cfg.ListenPort = freeUDPPort(t)
	reg := &fakeRegistrar{}
	svc := NewService(cfg, 3000, reg, clock.Fake(time.Now()))

	assert.ErrorIs(t, svc.BroadcastPresence(), ErrNotRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.Status().Running }, 2*time.Second, 10*time.Millisecond)

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.ListenPort})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"type":"station","id":"S7","name":"Garden"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(reg.registered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "udp", svc.Agents()[0].Source)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, svc.Status().Running)
}

type fakeEngine struct {
	regs []station.Registration
}

func (e *fakeEngine) RegisterStation(_ context.Context, reg station.Registration) (station.Snapshot, error) {
	e.regs = append(e.regs, reg)
	return station.Snapshot{StationID: reg.StationID}, nil
}

func TestAutoRegistrar(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	engine := &fakeEngine{}
	r := &AutoRegistrar{Store: db, Engine: engine}
	ctx := context.Background()

	agent := Agent{ID: "S1", Name: "Cave", Kind: KindStation, IP: "10.0.0.5", Source: "udp", Version: "2.0"}
	require.NoError(t, r.RegisterAgent(ctx, agent))

	st, err := db.GetStation("S1")
	require.NoError(t, err)
	assert.Equal(t, "Auto-discovered", st.Location)
	assert.Equal(t, store.StatusOnline, st.Status)
	assert.Equal(t, true, st.Metadata["discovered"])

	require.Len(t, engine.regs, 1)
	assert.Nil(t, engine.regs[0].Thresholds, "a new row follows the session defaults")

	// Second sighting refreshes the existing row instead of adding one.
	agent.IP = "10.0.0.6"
	require.NoError(t, r.RegisterAgent(ctx, agent))
	all, err := db.ListStations()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "10.0.0.6", all[0].IP)
	assert.Len(t, engine.regs, 2)

	// A sighting never renames a known station.
	require.NoError(t, r.RegisterAgent(ctx, Agent{ID: "S1", Name: "Other", Kind: KindStation, Source: "scan"}))
	st, err = db.GetStation("S1")
	require.NoError(t, err)
	assert.Equal(t, "Cave", st.Name)

	// The station registering itself does, and stored thresholds reach the
	// engine.
	st.MinParticipants, st.MaxParticipants, st.CountdownSeconds = 3, 4, 15
	require.NoError(t, db.UpdateStation(st))
	require.NoError(t, r.RegisterAgent(ctx, Agent{
		ID: "S1", Name: "Dragon Cave", Location: "Hall B", Kind: KindStation,
		Source: "ws", Metadata: map[string]any{"floor": 2},
	}))
	st, err = db.GetStation("S1")
	require.NoError(t, err)
	assert.Equal(t, "Dragon Cave", st.Name)
	assert.Equal(t, "Hall B", st.Location)
	assert.Equal(t, "10.0.0.6", st.IP, "no address keeps the stored one")
	assert.Equal(t, float64(2), st.Metadata["floor"])
	assert.Equal(t, 4, st.MaxParticipants)

	require.Len(t, engine.regs, 4)
	last := engine.regs[3]
	assert.Equal(t, "Dragon Cave", last.Name)
	assert.Equal(t, "Hall B", last.Location)
	require.NotNil(t, last.Thresholds)
	assert.Equal(t, station.Thresholds{Min: 3, Max: 4, CountdownSeconds: 15}, *last.Thresholds)

	require.NoError(t, r.RegisterAgent(ctx, Agent{ID: "D1", Name: "Lantern", Kind: KindDevice}))
	dev, err := db.GetDevice("D1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, dev.Status)
	assert.Len(t, engine.regs, 4, "devices never reach the session engine")

	assert.ErrorIs(t, r.RegisterAgent(ctx, Agent{ID: "X", Kind: "printer"}), ErrNotAgent)
}
