package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

var (
	ErrNotConfirmed  = errors.New("rabbitmq: publish not confirmed by broker")
	ErrChannelClosed = errors.New("rabbitmq: delivery channel closed")
)

const (
	defaultMaxWait = time.Second
	consumerTag    = "ledger-projector"
)

// Broker publishes with confirms on one channel and consumes with manual acks
// on another.
type Broker struct {
	conn     *amqp.Connection
	pub      Channel
	sub      Channel
	topology Topology
	maxWait  time.Duration

	pubMu      sync.Mutex
	confirms   chan amqp.Confirmation
	consumeMu  sync.Mutex
	deliveries <-chan amqp.Delivery
}

// Dial connects and declares the topology. With consume set it also starts
// consuming the projection queue.
func Dial(url string, topology Topology, prefetch int, consume bool) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	var sub Channel
	if consume {
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open consume channel: %w", err)
		}
		sub = ch
	}

	b, err := NewBroker(pub, sub, topology, prefetch)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// NewBroker wires already opened channels. Pass a nil sub for a publish-only broker.
func NewBroker(pub, sub Channel, topology Topology, prefetch int) (*Broker, error) {
	b := &Broker{
		pub:      pub,
		sub:      sub,
		topology: topology.withDefaults(),
		maxWait:  defaultMaxWait,
	}

	if err := DeclareTopology(pub, b.topology); err != nil {
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	b.confirms = pub.NotifyPublish(make(chan amqp.Confirmation, 1))

	if sub == nil {
		return b, nil
	}
	if prefetch > 0 {
		if err := sub.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	deliveries, err := sub.Consume(b.topology.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", b.topology.Queue, err)
	}
	b.deliveries = deliveries
	return b, nil
}

func (b *Broker) Publish(ctx context.Context, event events.LedgerEvent) error {
	body, err := events.Encode(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.publish(ctx, b.topology.Exchange, eventRoutingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Type:         events.LedgerEventType,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
}

func (b *Broker) DeadLetter(ctx context.Context, dl events.DeadLetter) error {
	body, err := events.EncodeDeadLetter(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return b.publish(ctx, b.topology.DLX, deadLetterKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dl.EventID,
		Timestamp:    dl.DeadAt,
		Headers: amqp.Table{
			headerFailureCount: int32(dl.FailureCount),
			headerLastError:    dl.LastError,
		},
		Body: body,
	})
}

// publish serializes publishes on the channel so each confirmation can be
// matched to the message that produced it.
func (b *Broker) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if err := b.pub.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.MessageId, err)
	}

	select {
	case confirm, ok := <-b.confirms:
		if !ok {
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return fmt.Errorf("%w: %s", ErrNotConfirmed, msg.MessageId)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits up to maxWait for one delivery and then takes whatever else
// is already buffered, up to max.
func (b *Broker) Receive(ctx context.Context, max int) ([]interfaces.Delivery, error) {
	if b.deliveries == nil {
		return nil, errors.New("rabbitmq: broker is publish-only")
	}
	if max < 1 {
		max = 1
	}

	b.consumeMu.Lock()
	defer b.consumeMu.Unlock()

	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()

	var batch []interfaces.Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-b.deliveries:
		if !ok {
			return nil, ErrChannelClosed
		}
		batch = append(batch, deliveryOf(d))
	}

	for len(batch) < max {
		select {
		case d, ok := <-b.deliveries:
			if !ok {
				return batch, nil
			}
			batch = append(batch, deliveryOf(d))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (b *Broker) Ack(ctx context.Context, d interfaces.Delivery) error {
	msg, ok := d.Token.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("ack: unexpected delivery token %T", d.Token)
	}
	return msg.Ack(false)
}

// Nack republishes the message with a bumped attempt header and acks the
// original. AMQP requeues do not count attempts, so this is what lets the
// consumer see a growing Attempt. If the republish fails the original is
// requeued as is.
func (b *Broker) Nack(ctx context.Context, d interfaces.Delivery) error {
	msg, ok := d.Token.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("nack: unexpected delivery token %T", d.Token)
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[headerAttempt] = int32(d.Attempt + 1)

	exchange := msg.Exchange
	if exchange == "" {
		exchange = b.topology.Exchange
	}
	key := msg.RoutingKey
	if key == "" {
		key = eventRoutingKey
	}

	err := b.publish(ctx, exchange, key, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageId,
		Type:         msg.Type,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		Body:         msg.Body,
	})
	if err != nil {
		if nackErr := msg.Nack(false, true); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return nil
	}
	return msg.Ack(false)
}

func (b *Broker) Close() error {
	var errs []error
	if b.sub != nil {
		errs = append(errs, b.sub.Close())
	}
	errs = append(errs, b.pub.Close())
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
	}
	return errors.Join(errs...)
}

func deliveryOf(d amqp.Delivery) interfaces.Delivery {
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	return interfaces.Delivery{
		ID:      id,
		Body:    d.Body,
		Attempt: attemptOf(d.Headers),
		Token:   d,
	}
}

func attemptOf(headers amqp.Table) int {
	switch v := headers[headerAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

var (
	_ interfaces.EventPublisher      = (*Broker)(nil)
	_ interfaces.EventSubscriber     = (*Broker)(nil)
	_ interfaces.DeadLetterPublisher = (*Broker)(nil)
)
