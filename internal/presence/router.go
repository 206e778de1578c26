package presence

import (
	"encoding/json"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("presence")

// Message is the outbound wire envelope.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Router delivers messages over the registry's rooms. Delivery is best
// effort: a member whose buffer is full is closed, and targets that are not
// connected are skipped.
type Router struct {
	reg *Registry
}

func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

func (r *Router) ToRoom(room, event string, payload any) int {
	return r.deliver(r.reg.InRoom(room), "", event, payload)
}

func (r *Router) ToMember(id, event string, payload any) bool {
	m, ok := r.reg.Get(id)
	if !ok {
		return false
	}
	return r.deliver([]Member{m}, "", event, payload) == 1
}

// BroadcastExcept sends to every connection other than senderID.
func (r *Router) BroadcastExcept(senderID, event string, payload any) int {
	return r.deliver(r.reg.All(), senderID, event, payload)
}

func (r *Router) Broadcast(event string, payload any) int {
	return r.deliver(r.reg.All(), "", event, payload)
}

func (r *Router) ToParticipant(participantID, event string, payload any) {
	r.ToRoom(ParticipantRoom(participantID), event, payload)
}

func (r *Router) ToStation(stationID, event string, payload any) {
	r.ToRoom(StationRoom(stationID), event, payload)
}

func (r *Router) ToDevice(deviceID, event string, payload any) {
	r.ToRoom(DeviceRoom(deviceID), event, payload)
}

func (r *Router) ToAll(event string, payload any) {
	r.Broadcast(event, payload)
}

// Encode marshals one envelope.
func Encode(event string, payload any) ([]byte, error) {
	return json.Marshal(Message{Event: event, Payload: payload})
}

func (r *Router) deliver(targets []Member, skip, event string, payload any) int {
	if len(targets) == 0 {
		return 0
	}
	data, err := Encode(event, payload)
	if err != nil {
		log.Errorf("Marshal %s failed: %v", event, err)
		return 0
	}

	sent := 0
	for _, m := range targets {
		if m.ID() == skip {
			continue
		}
		if m.Send(data) {
			sent++
			continue
		}
		log.Warningf("Connection %s too slow, disconnecting", m.ID())
		m.Close()
	}
	return sent
}
