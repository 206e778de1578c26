// Package mock drives simulated stations and participants through the real
// engine so the coordinator can be demonstrated without hardware.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/op/go-logging"

	"github.com/storyteller/backend/internal/clock"
	"github.com/storyteller/backend/internal/discovery"
	"github.com/storyteller/backend/internal/station"
	"github.com/storyteller/backend/internal/store"
)

var log = logging.MustGetLogger("mock")

const tickInterval = time.Second

// Engine is the part of the station engine the generator drives.
type Engine interface {
	RegisterStation(ctx context.Context, reg station.Registration) (station.Snapshot, error)
	Join(ctx context.Context, stationID, participantID string) (station.RegistrationStatus, error)
	Deregister(ctx context.Context, stationID, participantID string) (station.RegistrationStatus, error)
	Heartbeat(ctx context.Context, stationID string) (bool, error)
	Snapshot(ctx context.Context, stationID string) (station.Snapshot, bool, error)
}

// Recorder persists what simulated participants do. Optional.
type Recorder interface {
	LogInteraction(participantID, typ string, payload map[string]any) (store.Interaction, error)
}

type mockStation struct {
	reg     station.Registration
	pattern string

	nextParticipant int
	// silentFrom/silentFor make the "flaky" pattern skip heartbeats so the
	// liveness alarm fires.
	silentFrom int
	silentFor  int
}

func NewGenerator(engine Engine, registrar discovery.Registrar, rec Recorder, clk clock.Clock) *Generator {
	return &Generator{
		engine:    engine,
		registrar: registrar,
		rec:       rec,
		clk:       clk,
		rng:       rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

type Generator struct {
	engine    Engine
	registrar discovery.Registrar
	rec       Recorder
	clk       clock.Clock
	rng       *rand.Rand
	stations  []*mockStation
}

func thresholds(lo, hi, countdown int) *station.Thresholds {
	return &station.Thresholds{Min: lo, Max: hi, CountdownSeconds: countdown}
}

// Start registers the simulated stations and begins ticking until ctx is
// cancelled.
func (g *Generator) Start(ctx context.Context) error {
	if err := g.Register(ctx); err != nil {
		return err
	}
	go g.run(ctx)
	return nil
}

// Register creates the simulated stations in the engine and, when a
// registrar is set, in the configuration store.
func (g *Generator) Register(ctx context.Context) error {
	g.stations = []*mockStation{
		{
			reg: station.Registration{
				StationID: "mock-enchanted-forest", Name: "Enchanted Forest", Location: "Hall A",
				Thresholds: thresholds(2, 6, 20),
			},
			pattern: "steady",
		},
		{
			reg: station.Registration{
				StationID: "mock-dragon-cave", Name: "Dragon Cave", Location: "Hall B",
				Thresholds: thresholds(3, 4, 15),
			},
			pattern: "burst",
		},
		{
			reg: station.Registration{
				StationID: "mock-whispering-well", Name: "Whispering Well", Location: "Courtyard",
				Thresholds: thresholds(3, 5, 25),
			},
			pattern: "stall",
		},
		{
			reg: station.Registration{
				StationID: "mock-clockwork-tower", Name: "Clockwork Tower", Location: "Hall C",
				Thresholds: thresholds(2, 5, 20),
			},
			pattern: "dropout",
		},
		{
			reg: station.Registration{
				StationID: "mock-sunken-ship", Name: "Sunken Ship", Location: "Basement",
				Thresholds: thresholds(2, 3, 10),
			},
			pattern:    "flaky",
			silentFrom: 20,
			silentFor:  15,
		},
	}

	for _, ms := range g.stations {
		if err := g.register(ctx, ms); err != nil {
			return err
		}
	}
	log.Infof("Mock mode: %d simulated stations", len(g.stations))
	return nil
}

func (g *Generator) register(ctx context.Context, ms *mockStation) error {
	if g.registrar != nil {
		err := g.registrar.RegisterAgent(ctx, discovery.Agent{
			ID:           ms.reg.StationID,
			Name:         ms.reg.Name,
			Kind:         discovery.KindStation,
			IP:           "127.0.0.1",
			Location:     ms.reg.Location,
			DeviceType:   "mock",
			Capabilities: []string{},
			Version:      "1.0.0",
			Source:       "mock",
			LastSeen:     g.clk.Now(),
			Metadata:     map[string]any{"pattern": ms.pattern},
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", ms.reg.StationID, err)
		}
	}
	if _, err := g.engine.RegisterStation(ctx, ms.reg); err != nil {
		return fmt.Errorf("register %s: %w", ms.reg.StationID, err)
	}
	return nil
}

func (g *Generator) run(ctx context.Context) {
	ticker := g.clk.NewTicker(tickInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			g.Step(ctx, tick)
		}
	}
}

// Step advances every station by one tick.
func (g *Generator) Step(ctx context.Context, tick int) {
	for _, ms := range g.stations {
		g.advance(ctx, ms, tick)
	}
}

func (g *Generator) advance(ctx context.Context, ms *mockStation, tick int) {
	if ms.pattern != "flaky" || !ms.silent(tick) {
		if _, err := g.engine.Heartbeat(ctx, ms.reg.StationID); err != nil {
			log.Debugf("Mock heartbeat for %s failed: %v", ms.reg.StationID, err)
			return
		}
	}

	snap, ok, err := g.engine.Snapshot(ctx, ms.reg.StationID)
	if err != nil || !ok {
		return
	}
	// Nobody joins a running session; a finished one is rejoined to start
	// the next cycle.
	if snap.Phase == station.SessionActive {
		return
	}

	switch ms.pattern {
	case "steady":
		g.advanceSteady(ctx, ms, snap, tick)
	case "burst":
		g.advanceBurst(ctx, ms, snap, tick)
	case "stall":
		g.advanceStall(ctx, ms, snap, tick)
	case "dropout":
		g.advanceDropout(ctx, ms, snap, tick)
	case "flaky":
		g.advanceSteady(ctx, ms, snap, tick)
	}
}

func (ms *mockStation) silent(tick int) bool {
	phase := tick % (ms.silentFrom + ms.silentFor)
	return phase >= ms.silentFrom
}

// advanceSteady adds one participant every three ticks.
func (g *Generator) advanceSteady(ctx context.Context, ms *mockStation, snap station.Snapshot, tick int) {
	if tick%3 != 0 || len(snap.Participants) >= snap.Max {
		return
	}
	g.join(ctx, ms, snap)
}

// advanceBurst fills the roster in one go every eight ticks, which starts
// the session without a countdown.
func (g *Generator) advanceBurst(ctx context.Context, ms *mockStation, snap station.Snapshot, tick int) {
	if tick%8 != 0 {
		return
	}
	for n := len(snap.Participants); n < snap.Max; n++ {
		g.join(ctx, ms, snap)
	}
}

// advanceStall sits one short of the minimum for a long stretch before the
// last participant arrives.
func (g *Generator) advanceStall(ctx context.Context, ms *mockStation, snap station.Snapshot, tick int) {
	const cyclePeriod = 60
	phase := tick % cyclePeriod
	count := len(snap.Participants)

	switch {
	case count < snap.Min-1 && tick%4 == 0:
		g.join(ctx, ms, snap)
	case count == snap.Min-1 && phase == cyclePeriod-1:
		g.join(ctx, ms, snap)
	}
}

// advanceDropout joins like steady but sometimes a participant walks away
// during the countdown.
func (g *Generator) advanceDropout(ctx context.Context, ms *mockStation, snap station.Snapshot, tick int) {
	if snap.Phase == station.Filling && len(snap.Participants) > 1 && g.rng.Intn(6) == 0 {
		leaver := snap.Participants[g.rng.Intn(len(snap.Participants))]
		if _, err := g.engine.Deregister(ctx, ms.reg.StationID, leaver); err == nil {
			log.Debugf("Mock participant %s left %s", leaver, ms.reg.StationID)
		}
		return
	}
	g.advanceSteady(ctx, ms, snap, tick)
}

func (g *Generator) join(ctx context.Context, ms *mockStation, snap station.Snapshot) {
	ms.nextParticipant++
	pid := fmt.Sprintf("%s-p%03d", ms.reg.StationID, ms.nextParticipant)
	if _, err := g.engine.Join(ctx, ms.reg.StationID, pid); err != nil {
		log.Debugf("Mock join %s to %s failed: %v", pid, ms.reg.StationID, err)
		return
	}
	if g.rec == nil {
		return
	}
	if _, err := g.rec.LogInteraction(pid, store.InteractionStationVisit, map[string]any{
		"stationId": ms.reg.StationID,
		"phase":     snap.Phase.String(),
	}); err != nil {
		log.Debugf("Mock interaction for %s not recorded: %v", pid, err)
	}
}
