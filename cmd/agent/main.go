package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	flag "github.com/spf13/pflag"

	"github.com/storyteller/backend/internal/agent"
	"github.com/storyteller/backend/internal/clock"
	applog "github.com/storyteller/backend/internal/logging"
)

var log = logging.MustGetLogger("main")

func main() {
	configPath := flag.StringP("config", "c", "agent.yaml", "Path to agent config file")
	port := flag.IntP("port", "p", 0, "Override agent port")
	backend := flag.String("backend", "", "Override coordinator URL, e.g. http://10.0.0.2:3000")
	kind := flag.String("type", "", "Override agent type (station or device)")
	logLevel := flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARNING, ERROR)")
	flag.Parse()

	if err := applog.Init(*logLevel); err != nil {
		panic(err)
	}

	cfg, err := agent.LoadConfigOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *backend != "" {
		cfg.BackendURL = *backend
	}
	if *kind != "" {
		cfg.Type = *kind
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, *configPath, clock.Real())
	if err := a.Run(ctx); err != nil {
		log.Errorf("Agent stopped: %v", err)
		os.Exit(1)
	}
	log.Info("Agent stopped")
}
