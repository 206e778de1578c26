package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	flag "github.com/spf13/pflag"

	"github.com/storyteller/backend/internal/clock"
	"github.com/storyteller/backend/internal/config"
	"github.com/storyteller/backend/internal/discovery"
	"github.com/storyteller/backend/internal/eventbus"
	applog "github.com/storyteller/backend/internal/logging"
	"github.com/storyteller/backend/internal/mock"
	"github.com/storyteller/backend/internal/presence"
	"github.com/storyteller/backend/internal/station"
	"github.com/storyteller/backend/internal/store"
	"github.com/storyteller/backend/internal/ws"
)

var log = logging.MustGetLogger("main")

func main() {
	mockMode := flag.Bool("mock", false, "Simulate stations and participants instead of discovering real ones")
	configPath := flag.StringP("config", "c", "config.yaml", "Path to config file")
	port := flag.IntP("port", "p", 0, "Override server port")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARNING, ERROR)")
	flag.Parse()

	if err := applog.Init("INFO"); err != nil {
		panic(err)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := applog.Init(cfg.Log.Level); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.Log.Level, err)
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	reg := presence.NewRegistry(cfg.Server.MaxConnections)
	engine := station.NewEngine(engineSettings(cfg), clk, presence.NewRouter(reg))

	events := make(chan station.Event, 256)
	engine.SetLifecycleEvents(events)
	pub := publisher(cfg.Events)
	defer pub.Close()

	go engine.Run(ctx)
	go eventbus.Relay(ctx, events, pub, mirrorStatus(db))

	registrar := &discovery.AutoRegistrar{Store: db, Engine: engine}
	disc := discovery.NewService(cfg.Discovery, cfg.Server.Port, registrar, clk)

	if *mockMode {
		log.Info("Starting in mock mode")
		gen := mock.NewGenerator(engine, registrar, db, clk)
		if err := gen.Start(ctx); err != nil {
			log.Fatalf("Mock generator: %v", err)
		}
	} else if cfg.Discovery.Enabled {
		log.Info("Starting in real mode (network discovery)")
		go func() {
			if err := disc.Run(ctx); err != nil {
				log.Errorf("Discovery stopped: %v", err)
			}
		}()
	}

	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			if err := engine.SetSettings(ctx, engineSettings(next)); err != nil {
				log.Warningf("Session defaults not applied: %v", err)
			}
			disc.SetConfig(next.Discovery)
			if *logLevel == "" {
				if err := applog.Init(next.Log.Level); err != nil {
					log.Warningf("Log level not applied: %v", err)
				}
			}
		})
		if err != nil {
			log.Warningf("Config hot reload disabled: %v", err)
		}
	}()

	hub := ws.NewHub(reg, engine, db, disc, clk)
	server := ws.NewServer(cfg.Server, hub, engine, disc, clk)

	mux := http.NewServeMux()
	server.SetupRoutes(ctx, mux)

	if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Errorf("Server error: %v", err)
		os.Exit(1)
	}
	log.Info("Shutting down...")
	if n := engine.DroppedEvents(); n > 0 {
		log.Warningf("%d lifecycle events were dropped", n)
	}
}

func engineSettings(cfg *config.Config) station.Settings {
	return station.Settings{
		Defaults: station.Thresholds{
			Min:              cfg.Session.MinParticipants,
			Max:              cfg.Session.MaxParticipants,
			CountdownSeconds: cfg.Session.CountdownSeconds(),
		},
		SessionDuration:  cfg.Session.Duration,
		HeartbeatTimeout: cfg.Heartbeat.Timeout,
	}
}

func publisher(cfg config.EventsConfig) eventbus.Publisher {
	if cfg.AMQPURL == "" {
		return eventbus.Nop{}
	}
	pub, err := eventbus.DialAMQP(cfg.AMQPURL, cfg.Exchange)
	if err != nil {
		log.Warningf("Lifecycle events stay local: %v", err)
		return eventbus.Nop{}
	}
	return pub
}

// mirrorStatus keeps the store's status column in step with heartbeat
// liveness.
func mirrorStatus(db *store.DB) func(station.Event) {
	return func(ev station.Event) {
		var status string
		switch ev.Type {
		case station.EventStationOnline:
			status = store.StatusOnline
		case station.EventStationOffline:
			status = store.StatusOffline
		default:
			return
		}
		err := db.SetStationStatus(ev.StationID, status, ev.Type == station.EventStationOnline)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warningf("Status of %s not persisted: %v", ev.StationID, err)
		}
	}
}
