package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"avatarbatch/internal/infra"
)

// Decision tells a broker what to do with a consumed delivery.
type Decision int

const (
	// Ack removes the delivery.
	Ack Decision = iota
	// Requeue asks the broker to deliver it again.
	Requeue
	// Drop rejects it without redelivery.
	Drop
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery) Decision

// AMQPOptions configures the RabbitMQ transport.
type AMQPOptions struct {
	Exchange       string
	Queue          string
	Signer         *Signer
	PublishTimeout time.Duration
	// RetryDelay is the wait before a Requeue nack. Defaults to 2s.
	RetryDelay time.Duration
	Logger     *infra.Logger
}

// AMQP publishes and consumes chunk messages on a RabbitMQ broker.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	queue    string
	signer   *Signer
	timeout  time.Duration
	backoff  time.Duration
	logger   *infra.Logger
	mu       sync.Mutex
}

// DialAMQP connects to url and returns the transport.
func DialAMQP(url string, opts AMQPOptions) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: amqp dial: %w", err)
	}
	return NewAMQP(conn, opts), nil
}

// NewAMQP wraps an existing connection.
func NewAMQP(conn *amqp.Connection, opts AMQPOptions) *AMQP {
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backoff := opts.RetryDelay
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &AMQP{
		conn:     conn,
		exchange: opts.Exchange,
		queue:    opts.Queue,
		signer:   opts.Signer,
		timeout:  timeout,
		backoff:  backoff,
		logger:   logger,
	}
}

// IsConnected reports whether the connection is usable.
func (a *AMQP) IsConnected() bool {
	return a.conn != nil && !a.conn.IsClosed()
}

func (a *AMQP) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(a.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(a.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, a.queue, a.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Publish sends msg with publisher confirms. The destination, when set, is
// used as the routing key.
func (a *AMQP) Publish(ctx context.Context, msg Message) (Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.IsConnected() {
		return Receipt{}, errors.New("queue: amqp connection is not available")
	}
	ch, err := a.conn.Channel()
	if err != nil {
		return Receipt{}, fmt.Errorf("queue: open channel: %w", err)
	}
	defer ch.Close()

	if err := a.declare(ch); err != nil {
		return Receipt{}, fmt.Errorf("queue: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return Receipt{}, fmt.Errorf("queue: confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	routingKey := msg.Destination
	if routingKey == "" {
		routingKey = a.queue
	}
	publishing, err := a.publishing(msg, routingKey)
	if err != nil {
		return Receipt{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := ch.PublishWithContext(ctx, a.exchange, routingKey, true, false, publishing); err != nil {
		return Receipt{}, fmt.Errorf("queue: amqp publish: %w", err)
	}

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return Receipt{}, errors.New("queue: confirmation channel closed")
		}
		if !confirmed.Ack {
			return Receipt{}, errors.New("queue: broker nacked publish")
		}
	case <-ctx.Done():
		return Receipt{}, fmt.Errorf("queue: publish confirmation: %w", ctx.Err())
	}
	a.logger.Debug().Str("message_id", publishing.MessageId).Msg("queue: published")
	return Receipt{MessageID: publishing.MessageId}, nil
}

func (a *AMQP) publishing(msg Message, routingKey string) (amqp.Publishing, error) {
	id := msg.DeduplicationID
	if id == "" {
		id = newMessageID()
	}
	headers := amqp.Table{}
	if a.signer != nil {
		sig, err := a.signer.Sign(msg.Body, routingKey)
		if err != nil {
			return amqp.Publishing{}, fmt.Errorf("queue: sign: %w", err)
		}
		headers[AMQPSignatureHeader] = sig
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Body,
	}, nil
}

// Consume feeds deliveries to handle until ctx is cancelled or the channel
// closes. Deliveries are acknowledged manually according to the decision.
func (a *AMQP) Consume(ctx context.Context, prefetch int, handle Handler) error {
	if !a.IsConnected() {
		return errors.New("queue: amqp connection is not available")
	}
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	defer ch.Close()

	if err := a.declare(ch); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("queue: qos: %w", err)
	}
	msgs, err := ch.Consume(a.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("queue: delivery channel closed")
			}
			decision := handle(ctx, DeliveryFromAMQP(d))
			if err := a.settleAfterBackoff(ctx, d, decision); err != nil {
				a.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("queue: settle delivery")
			}
		}
	}
}

// Close closes the connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.IsConnected() {
		return nil
	}
	return a.conn.Close()
}

// DeliveryFromAMQP converts a broker delivery into the transport envelope.
func DeliveryFromAMQP(d amqp.Delivery) Delivery {
	out := Delivery{Body: d.Body, MessageID: d.MessageId}
	if sig, ok := d.Headers[AMQPSignatureHeader].(string); ok {
		out.Signature = sig
	}
	if d.Redelivered {
		out.Attempt = 1
	}
	return out
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settleAfterBackoff delays a Requeue by the retry delay, or until ctx ends.
func (a *AMQP) settleAfterBackoff(ctx context.Context, d acknowledger, decision Decision) error {
	if decision == Requeue {
		timer := time.NewTimer(a.backoff)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	return settle(d, decision)
}

func settle(d acknowledger, decision Decision) error {
	switch decision {
	case Ack:
		return d.Ack(false)
	case Requeue:
		return d.Nack(false, true)
	default:
		return d.Nack(false, false)
	}
}
