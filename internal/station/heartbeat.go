package station

import (
	"context"

	"github.com/storyteller/backend/internal/clock"
)

// Heartbeat records liveness for stationID. It reports false for stations
// the engine has never seen; those must register first.
func (e *Engine) Heartbeat(ctx context.Context, stationID string) (bool, error) {
	if stationID == "" {
		return false, ErrMissingStationID
	}
	var known bool
	err := e.do(ctx, func() {
		st, ok := e.stations[stationID]
		if !ok {
			return
		}
		known = true
		e.beat(st)
	})
	return known, err
}

// beat rearms the liveness alarm. A station coming back from offline is
// announced to everyone.
func (e *Engine) beat(st *station) {
	st.alarm.Cancel()
	st.alarmGen++
	gen := st.alarmGen
	id := st.id
	st.alarm = clock.After(e.clk, e.settings.HeartbeatTimeout, func() {
		e.post(func() { e.expire(id, gen) })
	})

	st.lastHeartbeat = e.clk.Now()
	if st.status == Online {
		return
	}
	st.status = Online
	log.Infof("Station %s online", id)
	e.announceStatus(st)
	e.emit(Event{Type: EventStationOnline, StationID: id, At: st.lastHeartbeat})
}

func (e *Engine) expire(stationID string, gen uint64) {
	st, ok := e.stations[stationID]
	if !ok || gen != st.alarmGen || st.status == Offline {
		return
	}
	st.alarm = nil
	st.status = Offline
	log.Warningf("Station %s offline: no heartbeat since %s",
		stationID, st.lastHeartbeat.Format("15:04:05"))
	e.announceStatus(st)
	e.emit(Event{Type: EventStationOffline, StationID: stationID, At: e.clk.Now()})
}

func (e *Engine) announceStatus(st *station) {
	e.notify.ToAll(MsgStationStatus, StatusPayload{
		StationID:     st.id,
		Status:        st.status,
		LastHeartbeat: st.lastHeartbeat,
	})
}
