package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/op/go-logging"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/storyteller/backend/internal/station"
)

var log = logging.MustGetLogger("eventbus")

// Publisher forwards lifecycle events to something outside the process.
type Publisher interface {
	Publish(ctx context.Context, ev station.Event) error
	Close() error
}

// Nop discards everything. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, station.Event) error { return nil }
func (Nop) Close() error                                 { return nil }

// redialInterval limits how often a lost broker connection is retried.
const redialInterval = 5 * time.Second

// AMQPPublisher publishes events as JSON to a topic exchange, routed by
// event type (session.started, station.offline, ...).
type AMQPPublisher struct {
	url      string
	exchange string

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	lastDialAt time.Time
}

// DialAMQP connects and declares the exchange. The returned publisher
// redials on its own if the connection drops later.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	log.Infof("Publishing lifecycle events to exchange %q", exchange)
	return p, nil
}

func (p *AMQPPublisher) connectLocked() error {
	p.lastDialAt = time.Now()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		p.exchange,
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn, p.channel = conn, ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev station.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		if time.Since(p.lastDialAt) < redialInterval {
			return fmt.Errorf("amqp connection down, next retry in %v",
				redialInterval-time.Since(p.lastDialAt))
		}
		p.closeLocked()
		if err := p.connectLocked(); err != nil {
			return err
		}
		log.Info("Reconnected to AMQP broker")
	}

	return p.channel.PublishWithContext(ctx,
		p.exchange,
		ev.Type.String(), // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.At,
			Type:         ev.Type.String(),
			Body:         body,
		})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *AMQPPublisher) closeLocked() error {
	var err error
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	return err
}
