package eventbus

import (
	"context"
	"time"

	"github.com/storyteller/backend/internal/station"
)

const publishTimeout = 2 * time.Second

// Relay drains engine lifecycle events, hands each one to every local sink
// in order and then publishes it. Publish failures are logged and the event
// is dropped. Relay returns when ctx is cancelled or events is closed.
func Relay(ctx context.Context, events <-chan station.Event, pub Publisher, sinks ...func(station.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, sink := range sinks {
				sink(ev)
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := pub.Publish(pctx, ev); err != nil {
				log.Warningf("Publish %s for %s failed: %v", ev.Type, ev.StationID, err)
			}
			cancel()
		}
	}
}
