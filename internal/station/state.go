package station

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/storyteller/backend/internal/clock"
)

// Phase is the session lifecycle position of a station.
type Phase int

const (
	Idle Phase = iota
	Filling
	SessionActive
	SessionFinished
)

var phaseNames = map[Phase]string{
	Idle:            "idle",
	Filling:         "filling",
	SessionActive:   "session_active",
	SessionFinished: "session_finished",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UserState is what one participant sees of a station.
type UserState string

const (
	StateNotRegistered   UserState = "not_registered"
	StatePreSession      UserState = "pre_session"
	StateSessionStarted  UserState = "session_started"
	StateSessionFinished UserState = "session_finished"
	StateDeregistered    UserState = "deregistered"
)

// Status is heartbeat-derived liveness.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Thresholds control when a countdown starts and when a session is forced.
type Thresholds struct {
	Min              int `json:"min"`
	Max              int `json:"max"`
	CountdownSeconds int `json:"countdownSeconds"`
}

func (t Thresholds) Validate() error {
	if t.Min < 1 {
		return fmt.Errorf("min must be >= 1, got %d", t.Min)
	}
	if t.Max < t.Min {
		return fmt.Errorf("max (%d) below min (%d)", t.Max, t.Min)
	}
	if t.CountdownSeconds < 1 {
		return fmt.Errorf("countdown must be >= 1s, got %d", t.CountdownSeconds)
	}
	return nil
}

var (
	ErrMissingStationID     = errors.New("station ID is required")
	ErrMissingParticipantID = errors.New("participant ID is required")
	ErrUnknownStation       = errors.New("unknown station")
	ErrStationFull          = errors.New("station roster is full")
	ErrStopped              = errors.New("station engine stopped")
)

// RegistrationStatus is the registration_status payload pushed to a
// participant.
type RegistrationStatus struct {
	Count     int       `json:"count"`
	Min       int       `json:"min_participants"`
	Max       int       `json:"max_participants"`
	Timer     int       `json:"timer"`
	UserState UserState `json:"user_state"`
}

// SessionPayload accompanies session_started and session_finished.
type SessionPayload struct {
	StationID    string   `json:"stationId"`
	Participants []string `json:"participants"`
}

// StatusPayload accompanies station:status.
type StatusPayload struct {
	StationID     string    `json:"stationId"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Snapshot is a read-only copy of a station, safe to retain and serialize.
type Snapshot struct {
	StationID       string         `json:"stationId"`
	Name            string         `json:"name,omitempty"`
	Location        string         `json:"location,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Participants    []string       `json:"participants"`
	Deregistered    []string       `json:"deregistered"`
	Min             int            `json:"min"`
	Max             int            `json:"max"`
	CountdownSecs   int            `json:"countdownSeconds"`
	Timer           int            `json:"timer"`
	Phase           Phase          `json:"phase"`
	SessionActive   bool           `json:"sessionActive"`
	SessionFinished bool           `json:"sessionFinished"`
	Status          Status         `json:"status"`
	LastHeartbeat   *time.Time     `json:"lastHeartbeat,omitempty"`
}

// station is the engine-owned record for one station. Only the engine loop
// goroutine reads or writes it.
type station struct {
	id       string
	name     string
	location string
	metadata map[string]any

	participants []string
	deregistered map[string]struct{}

	thresholds Thresholds
	explicit   bool        // thresholds came from registration, not defaults
	pending    *Thresholds // applied at the next idle point

	timer           int
	sessionActive   bool
	sessionFinished bool

	status        Status
	lastHeartbeat time.Time

	// At most one of each. Generations discard callbacks that were already
	// in flight when their task was replaced.
	countdown    *clock.Task
	countdownGen uint64
	session      *clock.Task
	sessionGen   uint64
	alarm        *clock.Task
	alarmGen     uint64
}

func newStation(id string, th Thresholds) *station {
	return &station{
		id:           id,
		deregistered: make(map[string]struct{}),
		thresholds:   th,
		status:       Offline,
	}
}

func (s *station) phase() Phase {
	switch {
	case s.sessionActive:
		return SessionActive
	case s.sessionFinished:
		return SessionFinished
	case s.countdown.Active():
		return Filling
	default:
		return Idle
	}
}

func (s *station) has(participantID string) bool {
	return slices.Contains(s.participants, participantID)
}

func (s *station) remove(participantID string) bool {
	i := slices.Index(s.participants, participantID)
	if i < 0 {
		return false
	}
	s.participants = slices.Delete(s.participants, i, i+1)
	return true
}

// userState projects the station onto one participant.
func (s *station) userState(participantID string) UserState {
	if _, ok := s.deregistered[participantID]; ok {
		return StateDeregistered
	}
	if !s.has(participantID) {
		return StateNotRegistered
	}
	if s.sessionFinished {
		return StateSessionFinished
	}
	if s.sessionActive {
		return StateSessionStarted
	}
	return StatePreSession
}

func (s *station) registrationStatus(participantID string) RegistrationStatus {
	return RegistrationStatus{
		Count:     len(s.participants),
		Min:       s.thresholds.Min,
		Max:       s.thresholds.Max,
		Timer:     s.timer,
		UserState: s.userState(participantID),
	}
}

func (s *station) roster() []string {
	return slices.Clone(s.participants)
}

func (s *station) snapshot() Snapshot {
	snap := Snapshot{
		StationID:       s.id,
		Name:            s.name,
		Location:        s.location,
		Participants:    s.roster(),
		Deregistered:    make([]string, 0, len(s.deregistered)),
		Min:             s.thresholds.Min,
		Max:             s.thresholds.Max,
		CountdownSecs:   s.thresholds.CountdownSeconds,
		Timer:           s.timer,
		Phase:           s.phase(),
		SessionActive:   s.sessionActive,
		SessionFinished: s.sessionFinished,
		Status:          s.status,
	}
	if snap.Participants == nil {
		snap.Participants = []string{}
	}
	for id := range s.deregistered {
		snap.Deregistered = append(snap.Deregistered, id)
	}
	slices.Sort(snap.Deregistered)
	if len(s.metadata) > 0 {
		snap.Metadata = make(map[string]any, len(s.metadata))
		for k, v := range s.metadata {
			snap.Metadata[k] = v
		}
	}
	if !s.lastHeartbeat.IsZero() {
		t := s.lastHeartbeat
		snap.LastHeartbeat = &t
	}
	return snap
}

// cancelAll stops every scheduled task. Used at engine shutdown.
func (s *station) cancelAll() {
	s.countdown.Cancel()
	s.session.Cancel()
	s.alarm.Cancel()
}
