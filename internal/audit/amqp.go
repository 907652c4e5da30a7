package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"corpusguard.org/internal/obs"
)

var (
	// ErrMirrorClosed is returned by Publish after Close.
	ErrMirrorClosed = errors.New("audit: mirror closed")
	// ErrMirrorBacklog is returned when the delivery queue is full. The entry
	// is already persisted; only its mirror copy is dropped.
	ErrMirrorBacklog = errors.New("audit: mirror backlog full")
)

const (
	mirrorMinBackoff = 500 * time.Millisecond
	mirrorMaxBackoff = 30 * time.Second
)

// AMQPPublisher mirrors sealed entries to a durable topic exchange for the
// compliance archive. Routing keys are "audit.<action>" in lower case.
//
// Publish only enqueues. A single goroutine owns the broker connection, so a
// slow or unreachable broker never holds up the request that recorded the
// entry.
type AMQPPublisher struct {
	uri            string
	exchange       string
	dialTimeout    time.Duration
	publishTimeout time.Duration
	queueSize      int

	queue     chan Entry
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by run
	conn    *amqp.Connection
	channel *amqp.Channel
	retryAt time.Time
	backoff time.Duration
}

type MirrorOption func(*AMQPPublisher)

// WithDialTimeout bounds both connecting and each publish.
func WithDialTimeout(d time.Duration) MirrorOption {
	return func(p *AMQPPublisher) {
		if d > 0 {
			p.dialTimeout = d
			p.publishTimeout = d
		}
	}
}

func WithQueueSize(n int) MirrorOption {
	return func(p *AMQPPublisher) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// NewAMQPPublisher validates uri and starts the delivery loop. The broker is
// dialled on first use, so an outage at startup does not block the caller.
func NewAMQPPublisher(uri, exchange string, opts ...MirrorOption) (*AMQPPublisher, error) {
	p, err := newAMQPPublisher(uri, exchange, opts...)
	if err != nil {
		return nil, err
	}
	go p.run()
	return p, nil
}

func newAMQPPublisher(uri, exchange string, opts ...MirrorOption) (*AMQPPublisher, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errors.New("audit: amqp uri is required")
	}
	if _, err := amqp.ParseURI(uri); err != nil {
		return nil, fmt.Errorf("audit: amqp uri: %w", err)
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "corpusguard.audit"
	}
	p := &AMQPPublisher{
		uri:            uri,
		exchange:       exchange,
		dialTimeout:    5 * time.Second,
		publishTimeout: 5 * time.Second,
		queueSize:      1024,
		backoff:        mirrorMinBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan Entry, p.queueSize)
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	return p, nil
}

// Publish queues e for delivery. It never waits on the broker.
func (p *AMQPPublisher) Publish(_ context.Context, e Entry) error {
	select {
	case <-p.stop:
		return ErrMirrorClosed
	default:
	}
	select {
	case p.queue <- e:
		return nil
	default:
		return fmt.Errorf("%w: dropped %s", ErrMirrorBacklog, e.ID)
	}
}

// Close stops accepting entries, delivers what is queued and releases the
// connection. Delivery during Close is bounded by the dial timeout.
func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

func (p *AMQPPublisher) run() {
	defer close(p.done)
	defer p.disconnect()
	for {
		select {
		case <-p.stop:
			for {
				select {
				case e := <-p.queue:
					p.deliver(e)
				default:
					return
				}
			}
		case e := <-p.queue:
			p.deliver(e)
		}
	}
}

func (p *AMQPPublisher) deliver(e Entry) {
	if err := p.send(e); err != nil {
		obs.LogEvent("warn", "audit_mirror_failed", map[string]any{
			"audit_id": e.ID,
			"action":   string(e.Action),
			"error":    err.Error(),
		})
	}
}

func (p *AMQPPublisher) send(e Entry) error {
	if p.channel == nil || p.channel.IsClosed() || p.conn == nil || p.conn.IsClosed() {
		p.disconnect()
		if now := time.Now(); now.Before(p.retryAt) {
			return fmt.Errorf("broker unavailable, next attempt in %s", p.retryAt.Sub(now).Round(time.Millisecond))
		}
		if err := p.connect(); err != nil {
			p.retryAt = time.Now().Add(p.backoff)
			p.backoff = min(2*p.backoff, mirrorMaxBackoff)
			return err
		}
		p.backoff = mirrorMinBackoff
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.OccurredAt,
		Type:         string(e.Action),
		Body:         body,
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()
	if err := p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(e.Action), false, false, msg); err != nil {
		p.disconnect()
		return fmt.Errorf("publish %s: %w", e.ID, err)
	}
	return nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.DialConfig(p.uri, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(p.dialTimeout),
	})
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.channel = ch
	return nil
}

func (p *AMQPPublisher) disconnect() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// RoutingKey derives the topic routing key for an action.
func RoutingKey(a Action) string {
	return "audit." + strings.ToLower(string(a))
}
