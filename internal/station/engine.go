package station

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"

	"github.com/storyteller/backend/internal/clock"
)

var log = logging.MustGetLogger("station")

// Outbound event names.
const (
	MsgRegistrationStatus = "registration_status"
	MsgSessionStarted     = "session_started"
	MsgSessionFinished    = "session_finished"
	MsgStationStatus      = "station:status"
)

// Notifier delivers engine pushes. Implementations must not block and must
// not call back into the Engine.
type Notifier interface {
	ToParticipant(participantID, event string, payload any)
	ToStation(stationID, event string, payload any)
	ToAll(event string, payload any)
}

// Settings are the engine-wide defaults.
type Settings struct {
	Defaults         Thresholds
	SessionDuration  time.Duration
	HeartbeatTimeout time.Duration
}

// Registration is what a station reports about itself when it connects.
// A nil Thresholds keeps whatever the station already uses.
type Registration struct {
	StationID  string
	Name       string
	Location   string
	Metadata   map[string]any
	Thresholds *Thresholds
}

// Engine owns every station record. All mutations, timer expiries and
// heartbeat alarms are serialized through one loop goroutine, so handlers
// observe a consistent station and pushes leave in mutation order.
type Engine struct {
	clk    clock.Clock
	notify Notifier

	cmds chan func()
	done chan struct{}

	// Loop-owned.
	settings Settings
	stations map[string]*station

	events        chan<- Event
	eventsDropped atomic.Int64
}

func NewEngine(settings Settings, clk clock.Clock, notify Notifier) *Engine {
	return &Engine{
		clk:      clk,
		notify:   notify,
		cmds:     make(chan func(), 256),
		done:     make(chan struct{}),
		settings: settings,
		stations: make(map[string]*station),
	}
}

// SetLifecycleEvents sets an optional channel that receives session and
// liveness transitions. Sends are non-blocking; events are dropped when the
// channel is full. Must be called before Run.
func (e *Engine) SetLifecycleEvents(ch chan<- Event) {
	e.events = ch
}

// DroppedEvents reports how many lifecycle events were discarded.
func (e *Engine) DroppedEvents() int64 {
	return e.eventsDropped.Load()
}

// Run processes commands until ctx is cancelled, then cancels every timer.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			for _, st := range e.stations {
				st.cancelAll()
			}
			log.Info("Station engine stopped")
			return
		case fn := <-e.cmds:
			fn()
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}
	select {
	case e.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// post enqueues fn from a timer callback. It never runs fn inline.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

func (e *Engine) ensure(stationID string) *station {
	st, ok := e.stations[stationID]
	if !ok {
		st = newStation(stationID, e.settings.Defaults)
		e.stations[stationID] = st
		log.Debugf("Station %s created", stationID)
	}
	return st
}

// Join adds participantID to the station's roster, creating the station on
// first reference, and returns the participant's view afterwards.
func (e *Engine) Join(ctx context.Context, stationID, participantID string) (RegistrationStatus, error) {
	if stationID == "" {
		return RegistrationStatus{}, ErrMissingStationID
	}
	if participantID == "" {
		return RegistrationStatus{}, ErrMissingParticipantID
	}
	var (
		status  RegistrationStatus
		joinErr error
	)
	err := e.do(ctx, func() {
		st := e.ensure(stationID)
		joinErr = e.join(st, participantID)
		status = st.registrationStatus(participantID)
	})
	if err != nil {
		return RegistrationStatus{}, err
	}
	return status, joinErr
}

func (e *Engine) join(st *station, participantID string) error {
	if p := st.phase(); p == Idle || p == SessionFinished {
		e.applyPending(st)
	}
	if !st.has(participantID) && len(st.participants) >= st.thresholds.Max {
		return ErrStationFull
	}
	if st.sessionFinished {
		e.resetCycle(st)
	}

	if !st.has(participantID) {
		st.participants = append(st.participants, participantID)
		log.Infof("Participant %s joined station %s (%d/%d)",
			participantID, st.id, len(st.participants), st.thresholds.Max)
	}
	delete(st.deregistered, participantID)

	// Every join re-evaluates the roster, duplicates included.
	n := len(st.participants)
	switch {
	case st.sessionActive:
	case n >= st.thresholds.Max:
		e.startSession(st)
		return nil
	case n >= st.thresholds.Min:
		e.startCountdown(st)
	}
	e.pushStatus(st)
	return nil
}

// Leave removes participantID from the roster. Leaving a roster one is not
// on is a no-op.
func (e *Engine) Leave(ctx context.Context, stationID, participantID string) (RegistrationStatus, error) {
	if stationID == "" {
		return RegistrationStatus{}, ErrMissingStationID
	}
	if participantID == "" {
		return RegistrationStatus{}, ErrMissingParticipantID
	}
	var (
		status RegistrationStatus
		opErr  error
	)
	err := e.do(ctx, func() {
		st, ok := e.stations[stationID]
		if !ok {
			opErr = ErrUnknownStation
			return
		}
		if st.remove(participantID) {
			log.Infof("Participant %s left station %s (%d/%d)",
				participantID, stationID, len(st.participants), st.thresholds.Max)
			e.settle(st)
			e.pushStatus(st)
			e.notify.ToParticipant(participantID, MsgRegistrationStatus, st.registrationStatus(participantID))
		}
		status = st.registrationStatus(participantID)
	})
	if err != nil {
		return RegistrationStatus{}, err
	}
	return status, opErr
}

// Deregister removes participantID from the roster and marks it
// deregistered until it joins again.
func (e *Engine) Deregister(ctx context.Context, stationID, participantID string) (RegistrationStatus, error) {
	if stationID == "" {
		return RegistrationStatus{}, ErrMissingStationID
	}
	if participantID == "" {
		return RegistrationStatus{}, ErrMissingParticipantID
	}
	var (
		status RegistrationStatus
		opErr  error
	)
	err := e.do(ctx, func() {
		st, ok := e.stations[stationID]
		if !ok {
			opErr = ErrUnknownStation
			return
		}
		st.deregistered[participantID] = struct{}{}
		if st.remove(participantID) {
			e.settle(st)
			e.pushStatus(st)
		}
		log.Infof("Participant %s deregistered from station %s", participantID, stationID)
		status = st.registrationStatus(participantID)
		e.notify.ToParticipant(participantID, MsgRegistrationStatus, status)
	})
	if err != nil {
		return RegistrationStatus{}, err
	}
	return status, opErr
}

// Status returns participantID's current view of stationID. Unknown stations
// report not_registered with the default thresholds.
func (e *Engine) Status(ctx context.Context, stationID, participantID string) (RegistrationStatus, error) {
	if stationID == "" {
		return RegistrationStatus{}, ErrMissingStationID
	}
	var status RegistrationStatus
	err := e.do(ctx, func() {
		if st, ok := e.stations[stationID]; ok {
			status = st.registrationStatus(participantID)
			return
		}
		d := e.settings.Defaults
		status = RegistrationStatus{Min: d.Min, Max: d.Max, UserState: StateNotRegistered}
	})
	return status, err
}

// RegisterStation records a station's identity, applies its thresholds and
// counts as a heartbeat.
func (e *Engine) RegisterStation(ctx context.Context, reg Registration) (Snapshot, error) {
	if reg.StationID == "" {
		return Snapshot{}, ErrMissingStationID
	}
	if reg.Thresholds != nil {
		if err := reg.Thresholds.Validate(); err != nil {
			log.Warningf("Station %s sent invalid thresholds, keeping current: %v", reg.StationID, err)
			reg.Thresholds = nil
		}
	}
	var snap Snapshot
	err := e.do(ctx, func() {
		st := e.ensure(reg.StationID)
		if reg.Name != "" {
			st.name = reg.Name
		}
		if reg.Location != "" {
			st.location = reg.Location
		}
		if reg.Metadata != nil {
			st.metadata = maps.Clone(reg.Metadata)
		}
		if reg.Thresholds != nil {
			th := *reg.Thresholds
			st.pending = &th
			st.explicit = true
			e.settle(st)
			if st.pending != nil {
				log.Infof("Station %s thresholds deferred until the current cycle ends and the roster fits", st.id)
			}
		}
		e.beat(st)
		log.Infof("Station %s registered%s", st.id, describe(st.name, st.location))
		snap = st.snapshot()
	})
	return snap, err
}

// Snapshot returns a copy of one station.
func (e *Engine) Snapshot(ctx context.Context, stationID string) (Snapshot, bool, error) {
	var (
		snap Snapshot
		ok   bool
	)
	err := e.do(ctx, func() {
		var st *station
		if st, ok = e.stations[stationID]; ok {
			snap = st.snapshot()
		}
	})
	return snap, ok, err
}

// Snapshots returns a copy of every station, ordered by ID.
func (e *Engine) Snapshots(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot
	err := e.do(ctx, func() {
		ids := slices.Sorted(maps.Keys(e.stations))
		snaps = make([]Snapshot, 0, len(ids))
		for _, id := range ids {
			snaps = append(snaps, e.stations[id].snapshot())
		}
	})
	return snaps, err
}

// SetSettings swaps the engine defaults. Stations that never received
// explicit thresholds adopt the new defaults once they are between cycles
// and their roster fits the new max.
func (e *Engine) SetSettings(ctx context.Context, settings Settings) error {
	if err := settings.Defaults.Validate(); err != nil {
		return err
	}
	return e.do(ctx, func() {
		e.settings = settings
		for _, st := range e.stations {
			if st.explicit {
				continue
			}
			th := settings.Defaults
			st.pending = &th
			e.settle(st)
		}
		log.Infof("Station defaults updated: min=%d max=%d countdown=%ds",
			settings.Defaults.Min, settings.Defaults.Max, settings.Defaults.CountdownSeconds)
	})
}

// settle applies pending thresholds when the station is between cycles.
func (e *Engine) settle(st *station) {
	if p := st.phase(); p == Idle || p == SessionFinished {
		e.applyPending(st)
	}
}

// applyPending swaps in pending thresholds unless the current roster would
// overflow the new max. In that case they wait for the roster to shrink.
func (e *Engine) applyPending(st *station) {
	if st.pending == nil {
		return
	}
	if len(st.participants) > st.pending.Max {
		log.Debugf("Station %s keeps max=%d until its %d participants fit max=%d",
			st.id, st.thresholds.Max, len(st.participants), st.pending.Max)
		return
	}
	st.thresholds = *st.pending
	st.pending = nil
}

// resetCycle clears a finished session. The roster stays, so the joining
// participant re-enters the fill rules with everyone who was already there.
func (e *Engine) resetCycle(st *station) {
	log.Debugf("Station %s starting a new cycle", st.id)
	st.sessionFinished = false
	st.timer = 0
}

func describe(name, location string) string {
	switch {
	case name != "" && location != "":
		return fmt.Sprintf(" (%s @ %s)", name, location)
	case name != "":
		return fmt.Sprintf(" (%s)", name)
	case location != "":
		return fmt.Sprintf(" (@ %s)", location)
	}
	return ""
}

func (e *Engine) pushStatus(st *station) {
	for _, p := range st.participants {
		e.notify.ToParticipant(p, MsgRegistrationStatus, st.registrationStatus(p))
	}
}

func (e *Engine) startCountdown(st *station) {
	st.countdown.Cancel()
	st.countdownGen++
	gen := st.countdownGen
	st.timer = st.thresholds.CountdownSeconds
	id := st.id
	st.countdown = clock.Every(e.clk, time.Second, func() {
		e.post(func() { e.tick(id, gen) })
	})
	log.Infof("Countdown started at station %s (%ds)", id, st.timer)
}

func (e *Engine) tick(stationID string, gen uint64) {
	st, ok := e.stations[stationID]
	if !ok || gen != st.countdownGen || !st.countdown.Active() {
		return
	}
	if len(st.participants) >= st.thresholds.Max {
		e.startSession(st)
		return
	}
	st.timer--
	if st.timer <= 0 {
		st.timer = 0
		e.startSession(st)
		return
	}
	e.pushStatus(st)
}

func (e *Engine) startSession(st *station) {
	st.countdown.Cancel()
	st.countdown = nil
	st.countdownGen++
	st.timer = 0
	st.sessionActive = true
	st.sessionFinished = false

	st.session.Cancel()
	st.sessionGen++
	gen := st.sessionGen
	id := st.id
	st.session = clock.After(e.clk, e.settings.SessionDuration, func() {
		e.post(func() { e.finishSession(id, gen) })
	})

	roster := st.roster()
	log.Infof("Session started at station %s with %d participants", id, len(roster))
	e.pushStatus(st)
	e.notify.ToStation(id, MsgSessionStarted, SessionPayload{StationID: id, Participants: roster})
	e.emit(Event{Type: EventSessionStarted, StationID: id, Participants: roster, At: e.clk.Now()})
}

func (e *Engine) finishSession(stationID string, gen uint64) {
	st, ok := e.stations[stationID]
	if !ok || gen != st.sessionGen || !st.sessionActive {
		return
	}
	st.session = nil
	st.sessionActive = false
	st.sessionFinished = true

	roster := st.roster()
	log.Infof("Session finished at station %s", stationID)
	e.pushStatus(st)
	e.notify.ToStation(stationID, MsgSessionFinished, SessionPayload{StationID: stationID, Participants: roster})
	e.emit(Event{Type: EventSessionFinished, StationID: stationID, Participants: roster, At: e.clk.Now()})
}
