package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storyteller/backend/internal/clock"
	"github.com/storyteller/backend/internal/discovery"
	"github.com/storyteller/backend/internal/presence"
	"github.com/storyteller/backend/internal/ws"
)

const (
	writeWait         = 10 * time.Second
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// sessionURL turns the backend's HTTP base into its WebSocket endpoint.
func sessionURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// runSession keeps a live connection open until ctx is cancelled,
// reconnecting with a doubling delay that resets after a successful session.
func (a *Agent) runSession(ctx context.Context) {
	delay := minReconnectDelay
	for {
		connected, err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = minReconnectDelay
		}
		log.Warningf("Session closed: %v, reconnecting in %s", err, delay)
		if !clock.Sleep(a.clk, delay, ctx.Done()) {
			return
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// session runs one connection: register, then heartbeat while reading
// pushes. It reports whether the connection was established.
func (a *Agent) session(ctx context.Context) (bool, error) {
	cfg := a.Config()
	target, err := sessionURL(cfg.BackendURL)
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, target, header)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	a.connected.Store(true)
	defer a.connected.Store(false)
	log.Infof("Session open to %s", target)

	ann := a.Announcement()
	register, heartbeat := sessionFrames(ann)
	if err := writeFrame(conn, register.event, register.payload); err != nil {
		return true, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := a.clk.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writeFrame(conn, heartbeat.event, heartbeat.payload); err != nil {
					log.Debugf("Heartbeat write failed: %v", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debugf("Ignoring malformed frame: %v", err)
			continue
		}
		a.dispatch(env)
	}
}

type frame struct {
	event   string
	payload any
}

func sessionFrames(ann discovery.Announcement) (register, heartbeat frame) {
	if ann.Type == string(discovery.KindDevice) {
		register = frame{event: ws.EvDeviceRegister, payload: ws.DeviceRegister{
			DeviceID: ann.ID,
			Name:     ann.Name,
			Kind:     ann.DeviceType,
			Metadata: ann.Metadata,
		}}
		heartbeat = frame{event: ws.EvHeartbeat, payload: ws.HeartbeatRequest{}}
		return register, heartbeat
	}
	register = frame{event: ws.EvStationRegister, payload: ws.StationRegister{
		StationID: ann.ID,
		Name:      ann.Name,
		Location:  ann.Location,
		Metadata:  ann.Metadata,
	}}
	heartbeat = frame{event: ws.EvHeartbeat, payload: ws.HeartbeatRequest{StationID: ann.ID}}
	return register, heartbeat
}

func writeFrame(conn *websocket.Conn, event string, payload any) error {
	data, err := presence.Encode(event, payload)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Agent) dispatch(env ws.Envelope) {
	switch env.Event {
	case ws.MsgError:
		log.Warningf("Backend error: %s", env.Payload)
	case ws.MsgHeartbeatAck:
	default:
		log.Debugf("Event %s: %s", env.Event, env.Payload)
	}

	a.mu.RLock()
	fn := a.onEvent
	a.mu.RUnlock()
	if fn != nil {
		fn(env.Event, env.Payload)
	}
}
