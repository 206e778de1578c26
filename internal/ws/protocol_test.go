package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Inbound
		wantErr error
	}{
		{
			name:  "join",
			frame: `{"event":"participant:join","payload":{"participantId":"P1","stationId":"S1","metadata":{"lang":"en"}}}`,
			want:  &JoinRequest{ParticipantID: "P1", StationID: "S1", Metadata: map[string]any{"lang": "en"}},
		},
		{
			name:  "heartbeat without payload",
			frame: `{"event":"heartbeat"}`,
			want:  &HeartbeatRequest{},
		},
		{
			name:  "heartbeat with null payload",
			frame: `{"event":"heartbeat","payload":null}`,
			want:  &HeartbeatRequest{},
		},
		{
			name:  "message send",
			frame: `{"event":"message:send","payload":{"targetType":"device","targetId":"D1","message":"cue"}}`,
			want:  &MessageSend{TargetType: "device", TargetID: "D1", Message: "cue"},
		},
		{
			name:    "unknown event",
			frame:   `{"event":"chapter:register","payload":{}}`,
			wantErr: ErrUnknownEvent,
		},
		{
			name:    "not json",
			frame:   `hello`,
			wantErr: ErrBadPayload,
		},
		{
			name:    "payload of the wrong shape",
			frame:   `{"event":"participant:join","payload":["P1"]}`,
			wantErr: ErrBadPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEveryVariantNamesItsEvent(t *testing.T) {
	variants := map[string]Inbound{
		EvParticipantJoin:       JoinRequest{},
		EvParticipantLeave:      LeaveRequest{},
		EvParticipantDeregister: DeregisterRequest{},
		EvStationRegister:       StationRegister{},
		EvStationUpdate:         StationUpdate{},
		EvDeviceRegister:        DeviceRegister{},
		EvDeviceUpdate:          DeviceUpdate{},
		EvHeartbeat:             HeartbeatRequest{},
		EvInteractionLog:        InteractionLog{},
		EvMessageSend:           MessageSend{},
	}
	for name, v := range variants {
		assert.Equal(t, name, v.event())

		decoded, err := Decode([]byte(`{"event":"` + name + `"}`))
		require.NoError(t, err, name)
		assert.Equal(t, name, decoded.event())
	}
}
