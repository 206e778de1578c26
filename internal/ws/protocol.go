package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EvParticipantJoin       = "participant:join"
	EvParticipantLeave      = "participant:leave"
	EvParticipantDeregister = "participant:deregister"
	EvStationRegister       = "station:register"
	EvStationUpdate         = "station:update"
	EvDeviceRegister        = "device:register"
	EvDeviceUpdate          = "device:update"
	EvHeartbeat             = "heartbeat"
	EvInteractionLog        = "interaction:log"
	EvMessageSend           = "message:send"
)

// Outbound event names. Engine pushes (registration_status, session_*,
// station:status) are named in package station.
const (
	MsgError             = "error"
	MsgStationRegistered = "station:registered"
	MsgStationUpdated    = "station:updated"
	MsgStationOffline    = "station:offline"
	MsgDeviceRegistered  = "device:registered"
	MsgDeviceUpdated     = "device:updated"
	MsgDeviceOffline     = "device:offline"
	MsgHeartbeatAck      = "heartbeat:ack"
	MsgInteractionLogged = "interaction:logged"
	MsgMessageReceived   = "message:received"
	MsgMessageSent       = "message:sent"
	MsgParticipantLeft   = "participant:left"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("malformed payload")
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound is one decoded client message. The set of implementations is
// closed; dispatch switches over it.
type Inbound interface {
	event() string
}

type JoinRequest struct {
	ParticipantID string         `json:"participantId"`
	StationID     string         `json:"stationId"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type LeaveRequest struct {
	ParticipantID string `json:"participantId"`
	StationID     string `json:"stationId"`
}

type DeregisterRequest struct {
	ParticipantID string `json:"participantId"`
	StationID     string `json:"stationId"`
}

type StationRegister struct {
	StationID string         `json:"stationId"`
	Name      string         `json:"name"`
	Location  string         `json:"location,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type StationUpdate struct {
	StationID string         `json:"stationId"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type DeviceRegister struct {
	DeviceID string         `json:"deviceId"`
	Name     string         `json:"name"`
	Kind     string         `json:"kind,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type DeviceUpdate struct {
	DeviceID string         `json:"deviceId"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HeartbeatRequest may omit StationID when the connection registered as a
// station.
type HeartbeatRequest struct {
	StationID string `json:"stationId,omitempty"`
}

type InteractionLog struct {
	ParticipantID string         `json:"participantId"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type MessageSend struct {
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId"`
	Message    string         `json:"message"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (JoinRequest) event() string       { return EvParticipantJoin }
func (LeaveRequest) event() string      { return EvParticipantLeave }
func (DeregisterRequest) event() string { return EvParticipantDeregister }
func (StationRegister) event() string   { return EvStationRegister }
func (StationUpdate) event() string     { return EvStationUpdate }
func (DeviceRegister) event() string    { return EvDeviceRegister }
func (DeviceUpdate) event() string      { return EvDeviceUpdate }
func (HeartbeatRequest) event() string  { return EvHeartbeat }
func (InteractionLog) event() string    { return EvInteractionLog }
func (MessageSend) event() string       { return EvMessageSend }

// Decode parses one frame into its typed variant.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var msg Inbound
	switch env.Event {
	case EvParticipantJoin:
		msg = &JoinRequest{}
	case EvParticipantLeave:
		msg = &LeaveRequest{}
	case EvParticipantDeregister:
		msg = &DeregisterRequest{}
	case EvStationRegister:
		msg = &StationRegister{}
	case EvStationUpdate:
		msg = &StationUpdate{}
	case EvDeviceRegister:
		msg = &DeviceRegister{}
	case EvDeviceUpdate:
		msg = &DeviceUpdate{}
	case EvHeartbeat:
		msg = &HeartbeatRequest{}
	case EvInteractionLog:
		msg = &InteractionLog{}
	case EvMessageSend:
		msg = &MessageSend{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	// heartbeat is commonly sent with no payload at all.
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return msg, nil
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Event, err)
	}
	return msg, nil
}

// Outbound payloads.

type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type StationRegisteredPayload struct {
	StationID    string    `json:"stationId"`
	Name         string    `json:"name"`
	Location     string    `json:"location,omitempty"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

type DeviceRegisteredPayload struct {
	DeviceID     string    `json:"deviceId"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

type StationUpdatedPayload struct {
	StationID string         `json:"stationId"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

type DeviceUpdatedPayload struct {
	DeviceID  string         `json:"deviceId"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

type OfflinePayload struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

type HeartbeatAckPayload struct {
	StationID string    `json:"stationId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type InteractionLoggedPayload struct {
	ID            string         `json:"id"`
	ParticipantID string         `json:"participantId"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
}

type MessageReceivedPayload struct {
	From      string         `json:"from"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

type MessageSentPayload struct {
	TargetType string    `json:"targetType"`
	TargetID   string    `json:"targetId"`
	Message    string    `json:"message"`
	Delivered  int       `json:"delivered"`
	Timestamp  time.Time `json:"timestamp"`
}

type ParticipantLeftPayload struct {
	ParticipantID string    `json:"participantId"`
	ConnectionID  string    `json:"connectionId"`
	Timestamp     time.Time `json:"timestamp"`
}
