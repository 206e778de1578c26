package ws

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
	"github.com/op/go-logging"

	"github.com/storyteller/backend/internal/clock"
	"github.com/storyteller/backend/internal/discovery"
	"github.com/storyteller/backend/internal/presence"
	"github.com/storyteller/backend/internal/station"
	"github.com/storyteller/backend/internal/store"
)

var log = logging.MustGetLogger("ws")

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrUnauthorizedUpdate = errors.New("unauthorized update")
	ErrUnknownTarget      = errors.New("unknown target type")
)

// Engine is the part of the session engine the hub drives.
type Engine interface {
	Join(ctx context.Context, stationID, participantID string) (station.RegistrationStatus, error)
	Leave(ctx context.Context, stationID, participantID string) (station.RegistrationStatus, error)
	Deregister(ctx context.Context, stationID, participantID string) (station.RegistrationStatus, error)
	Heartbeat(ctx context.Context, stationID string) (bool, error)
}

// Store is the persistence the hub writes through.
type Store interface {
	UpsertParticipant(id string, metadata map[string]any) error
	LogInteraction(participantID, typ string, payload map[string]any) (store.Interaction, error)
	SetStationStatus(id, status string, heartbeat bool) error
	SetStationMetadata(id string, metadata map[string]any) error
	SetDeviceStatus(id, status string, heartbeat bool) error
	SetDeviceMetadata(id string, metadata map[string]any) error
}

// Hub decodes client frames and applies them to the engine, the store and
// the router.
type Hub struct {
	reg       *presence.Registry
	router    *presence.Router
	engine    Engine
	store     Store
	registrar discovery.Registrar
	clk       clock.Clock
}

func NewHub(reg *presence.Registry, engine Engine, st Store, registrar discovery.Registrar, clk clock.Clock) *Hub {
	return &Hub{
		reg:       reg,
		router:    presence.NewRouter(reg),
		engine:    engine,
		store:     st,
		registrar: registrar,
		clk:       clk,
	}
}

// Serve registers conn and starts its pumps. It returns
// ErrTooManyConnections when the registry is full; the caller then owns conn.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, remoteAddr string) error {
	remote := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remote = host
	}
	c := newClient(conn, remote)
	if err := h.reg.Add(c); err != nil {
		if errors.Is(err, presence.ErrTooManyMembers) {
			return ErrTooManyConnections
		}
		return err
	}
	log.Infof("Connection %s opened from %s", c.id, remoteAddr)
	go c.writePump()
	go c.readPump(ctx, h)
	return nil
}

func (h *Hub) Stats() presence.Stats {
	return h.reg.Stats()
}

func (h *Hub) dispatch(ctx context.Context, c *client, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		log.Debugf("Connection %s sent a bad frame: %v", c.id, err)
		h.fail(c, "", err)
		return
	}

	switch m := msg.(type) {
	case *JoinRequest:
		err = h.join(ctx, c, m)
	case *LeaveRequest:
		err = h.leave(ctx, c, m)
	case *DeregisterRequest:
		err = h.deregister(ctx, c, m)
	case *StationRegister:
		err = h.registerStation(ctx, c, m)
	case *StationUpdate:
		err = h.updateStation(c, m)
	case *DeviceRegister:
		err = h.registerDevice(ctx, c, m)
	case *DeviceUpdate:
		err = h.updateDevice(c, m)
	case *HeartbeatRequest:
		err = h.heartbeat(ctx, c, m)
	case *InteractionLog:
		err = h.logInteraction(c, m)
	case *MessageSend:
		err = h.sendMessage(c, m)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEvent, msg.event())
	}
	if err != nil {
		h.fail(c, msg.event(), err)
	}
}

func (h *Hub) fail(c *client, event string, err error) {
	h.router.ToMember(c.id, MsgError, ErrorPayload{Message: err.Error(), Event: event})
}

func required(fields ...string) error {
	return fmt.Errorf("%w: %v required", ErrBadPayload, fields)
}

func (h *Hub) join(ctx context.Context, c *client, m *JoinRequest) error {
	if m.ParticipantID == "" || m.StationID == "" {
		return required("participantId", "stationId")
	}
	if err := h.store.UpsertParticipant(m.ParticipantID, m.Metadata); err != nil {
		log.Warningf("Failed to record participant %s: %v", m.ParticipantID, err)
	}

	// Identity first so the engine's status push reaches this connection.
	ident := presence.Identity{Kind: presence.KindParticipant, ID: m.ParticipantID}
	if err := h.reg.Identify(c.id, ident); err != nil {
		return err
	}
	room := presence.StationRoom(m.StationID)
	if err := h.reg.Join(c.id, room); err != nil {
		return err
	}
	if _, err := h.engine.Join(ctx, m.StationID, m.ParticipantID); err != nil {
		h.reg.Leave(c.id, room)
		return err
	}
	return nil
}

func (h *Hub) leave(ctx context.Context, c *client, m *LeaveRequest) error {
	if m.ParticipantID == "" || m.StationID == "" {
		return required("participantId", "stationId")
	}
	if _, err := h.engine.Leave(ctx, m.StationID, m.ParticipantID); err != nil {
		return err
	}
	h.reg.Leave(c.id, presence.StationRoom(m.StationID))
	return nil
}

func (h *Hub) deregister(ctx context.Context, c *client, m *DeregisterRequest) error {
	if m.ParticipantID == "" || m.StationID == "" {
		return required("participantId", "stationId")
	}
	if _, err := h.engine.Deregister(ctx, m.StationID, m.ParticipantID); err != nil {
		return err
	}
	h.reg.Leave(c.id, presence.StationRoom(m.StationID))
	log.Infof("Participant %s deregistered from %s", m.ParticipantID, m.StationID)
	return nil
}

func (h *Hub) registerStation(ctx context.Context, c *client, m *StationRegister) error {
	if m.StationID == "" || m.Name == "" {
		return required("stationId", "name")
	}
	agent := discovery.Agent{
		ID:       m.StationID,
		Name:     m.Name,
		Kind:     discovery.KindStation,
		IP:       c.remote,
		Location: m.Location,
		Source:   "ws",
		LastSeen: h.clk.Now(),
		Metadata: m.Metadata,
	}
	if err := h.registrar.RegisterAgent(ctx, agent); err != nil {
		return fmt.Errorf("register station %s: %w", m.StationID, err)
	}
	if err := h.reg.Identify(c.id, presence.Identity{Kind: presence.KindStation, ID: m.StationID}); err != nil {
		return err
	}

	ack := StationRegisteredPayload{
		StationID:    m.StationID,
		Name:         m.Name,
		Location:     m.Location,
		ConnectionID: c.id,
		Timestamp:    h.clk.Now(),
	}
	h.router.BroadcastExcept(c.id, MsgStationRegistered, ack)
	h.router.ToMember(c.id, MsgStationRegistered, ack)
	log.Infof("Station registered: %s (%s)", m.Name, m.StationID)
	return nil
}

func (h *Hub) registerDevice(ctx context.Context, c *client, m *DeviceRegister) error {
	if m.DeviceID == "" || m.Name == "" {
		return required("deviceId", "name")
	}
	kind := m.Kind
	if kind == "" {
		kind = "performer"
	}
	agent := discovery.Agent{
		ID:         m.DeviceID,
		Name:       m.Name,
		Kind:       discovery.KindDevice,
		IP:         c.remote,
		DeviceType: kind,
		Source:     "ws",
		LastSeen:   h.clk.Now(),
		Metadata:   m.Metadata,
	}
	if err := h.registrar.RegisterAgent(ctx, agent); err != nil {
		return fmt.Errorf("register device %s: %w", m.DeviceID, err)
	}
	if err := h.reg.Identify(c.id, presence.Identity{Kind: presence.KindDevice, ID: m.DeviceID}); err != nil {
		return err
	}

	ack := DeviceRegisteredPayload{
		DeviceID:     m.DeviceID,
		Name:         m.Name,
		Kind:         kind,
		ConnectionID: c.id,
		Timestamp:    h.clk.Now(),
	}
	h.router.BroadcastExcept(c.id, MsgDeviceRegistered, ack)
	h.router.ToMember(c.id, MsgDeviceRegistered, ack)
	log.Infof("Device registered: %s (%s)", m.Name, m.DeviceID)
	return nil
}

// owns reports whether c has registered as kind/id.
func (h *Hub) owns(c *client, kind presence.Kind, id string) bool {
	ident, ok := h.reg.Identity(c.id)
	return ok && ident.Kind == kind && ident.ID == id
}

func (h *Hub) updateStation(c *client, m *StationUpdate) error {
	if !h.owns(c, presence.KindStation, m.StationID) {
		return fmt.Errorf("%w: station %q", ErrUnauthorizedUpdate, m.StationID)
	}
	if m.Status != "" {
		if err := h.store.SetStationStatus(m.StationID, m.Status, true); err != nil {
			return err
		}
	}
	if m.Metadata != nil {
		if err := h.store.SetStationMetadata(m.StationID, m.Metadata); err != nil {
			return err
		}
	}
	h.router.BroadcastExcept(c.id, MsgStationUpdated, StationUpdatedPayload{
		StationID: m.StationID,
		Status:    m.Status,
		Metadata:  m.Metadata,
		Timestamp: h.clk.Now(),
	})
	return nil
}

func (h *Hub) updateDevice(c *client, m *DeviceUpdate) error {
	if !h.owns(c, presence.KindDevice, m.DeviceID) {
		return fmt.Errorf("%w: device %q", ErrUnauthorizedUpdate, m.DeviceID)
	}
	if m.Status != "" {
		if err := h.store.SetDeviceStatus(m.DeviceID, m.Status, true); err != nil {
			return err
		}
	}
	if m.Metadata != nil {
		if err := h.store.SetDeviceMetadata(m.DeviceID, m.Metadata); err != nil {
			return err
		}
	}
	h.router.BroadcastExcept(c.id, MsgDeviceUpdated, DeviceUpdatedPayload{
		DeviceID:  m.DeviceID,
		Status:    m.Status,
		Metadata:  m.Metadata,
		Timestamp: h.clk.Now(),
	})
	return nil
}

// heartbeat refreshes a station's liveness. Stations may omit the ID once
// registered; devices refresh their stored heartbeat instead.
func (h *Hub) heartbeat(ctx context.Context, c *client, m *HeartbeatRequest) error {
	id := m.StationID
	ident, identified := h.reg.Identity(c.id)
	if id == "" && identified && ident.Kind == presence.KindStation {
		id = ident.ID
	}

	switch {
	case id != "":
		known, err := h.engine.Heartbeat(ctx, id)
		if err != nil {
			return err
		}
		if !known {
			log.Debugf("Heartbeat for unregistered station %s", id)
		}
	case identified && ident.Kind == presence.KindDevice:
		if err := h.store.SetDeviceStatus(ident.ID, store.StatusOnline, true); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warningf("Failed to record heartbeat for device %s: %v", ident.ID, err)
		}
	}

	h.router.ToMember(c.id, MsgHeartbeatAck, HeartbeatAckPayload{StationID: id, Timestamp: h.clk.Now()})
	return nil
}

func (h *Hub) logInteraction(c *client, m *InteractionLog) error {
	if m.ParticipantID == "" || m.Type == "" {
		return required("participantId", "type")
	}
	in, err := h.store.LogInteraction(m.ParticipantID, m.Type, m.Payload)
	if err != nil {
		return err
	}
	logged := InteractionLoggedPayload{
		ID:            in.ID,
		ParticipantID: in.ParticipantID,
		Type:          in.Type,
		Payload:       in.Payload,
		Timestamp:     in.Timestamp,
	}
	h.router.BroadcastExcept(c.id, MsgInteractionLogged, logged)
	h.router.ToMember(c.id, MsgInteractionLogged, logged)
	return nil
}

func (h *Hub) sendMessage(c *client, m *MessageSend) error {
	if m.TargetType == "" || m.TargetID == "" || m.Message == "" {
		return required("targetType", "targetId", "message")
	}
	kind := presence.Kind(m.TargetType)
	switch kind {
	case presence.KindParticipant, presence.KindStation, presence.KindDevice:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTarget, m.TargetType)
	}

	now := h.clk.Now()
	payload := m.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	delivered := h.router.ToRoom(presence.Identity{Kind: kind, ID: m.TargetID}.Room(), MsgMessageReceived, MessageReceivedPayload{
		From:      c.id,
		Message:   m.Message,
		Payload:   payload,
		Timestamp: now,
	})
	h.router.ToMember(c.id, MsgMessageSent, MessageSentPayload{
		TargetType: m.TargetType,
		TargetID:   m.TargetID,
		Message:    m.Message,
		Delivered:  delivered,
		Timestamp:  now,
	})
	return nil
}

// disconnect drops c from the registry and reports the departure of
// whatever it had registered as. Rosters are left alone; a participant that
// reconnects keeps its place.
func (h *Hub) disconnect(c *client) {
	ident, ok := h.reg.Remove(c.id)
	if !ok {
		log.Infof("Connection %s closed", c.id)
		return
	}
	now := h.clk.Now()

	switch ident.Kind {
	case presence.KindParticipant:
		if _, err := h.store.LogInteraction(ident.ID, store.InteractionSystemEvent, map[string]any{
			"event":        "participant_leave",
			"connectionId": c.id,
		}); err != nil {
			log.Warningf("Failed to log departure of %s: %v", ident.ID, err)
		}
		h.router.Broadcast(MsgParticipantLeft, ParticipantLeftPayload{
			ParticipantID: ident.ID,
			ConnectionID:  c.id,
			Timestamp:     now,
		})
		log.Infof("Participant disconnected: %s", ident.ID)

	case presence.KindStation:
		if err := h.store.SetStationStatus(ident.ID, store.StatusOffline, false); err != nil {
			log.Warningf("Failed to mark station %s offline: %v", ident.ID, err)
		}
		h.router.Broadcast(MsgStationOffline, OfflinePayload{ID: ident.ID, ConnectionID: c.id, Timestamp: now})
		log.Infof("Station disconnected: %s", ident.ID)

	case presence.KindDevice:
		if err := h.store.SetDeviceStatus(ident.ID, store.StatusOffline, false); err != nil {
			log.Warningf("Failed to mark device %s offline: %v", ident.ID, err)
		}
		h.router.Broadcast(MsgDeviceOffline, OfflinePayload{ID: ident.ID, ConnectionID: c.id, Timestamp: now})
		log.Infof("Device disconnected: %s", ident.ID)
	}
}
