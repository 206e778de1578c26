package station

import (
	"encoding/json"
	"time"
)

type EventType int

const (
	EventSessionStarted EventType = iota
	EventSessionFinished
	EventStationOnline
	EventStationOffline
)

var eventTypeNames = map[EventType]string{
	EventSessionStarted:  "session.started",
	EventSessionFinished: "session.finished",
	EventStationOnline:   "station.online",
	EventStationOffline:  "station.offline",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Event is a lifecycle transition observed by the engine.
type Event struct {
	Type         EventType `json:"type"`
	StationID    string    `json:"stationId"`
	Participants []string  `json:"participants,omitempty"`
	At           time.Time `json:"at"`
}

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
		if n := e.eventsDropped.Add(1); n == 1 || n%100 == 0 {
			log.Warningf("Lifecycle event channel full, dropped %d events", n)
		}
	}
}
