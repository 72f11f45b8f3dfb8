// Package rabbitmq carries ledger events over a durable topic exchange.
//
// The projection queue dead-letters into its own exchange, and poison events
// are published there explicitly once a consumer gives up on them.
package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeType       = "topic"
	eventRoutingKey    = "ledger.transaction.applied"
	deadLetterKey      = "ledger.transaction.dead_letter"
	projectionBinding  = "ledger.transaction.#"
	deadLetterBinding  = "#"
	headerAttempt      = "x-attempt"
	headerFailureCount = "x-failure-count"
	headerLastError    = "x-last-error"
)

// Channel is the part of *amqp.Channel the broker uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Topology names the exchanges and queues. Empty fields take the defaults.
type Topology struct {
	Exchange string
	Queue    string
	DLX      string
	DLQ      string
}

func (t Topology) withDefaults() Topology {
	if t.Exchange == "" {
		t.Exchange = "ledger.events"
	}
	if t.Queue == "" {
		t.Queue = "ledger.projection"
	}
	if t.DLX == "" {
		t.DLX = t.Exchange + ".dlx"
	}
	if t.DLQ == "" {
		t.DLQ = t.Exchange + ".dlq"
	}
	return t
}

// DeclareTopology declares both exchanges, the projection queue and the
// dead-letter queue. Declaring an existing, identical topology is a no-op.
func DeclareTopology(ch Channel, t Topology) error {
	t = t.withDefaults()

	for _, name := range []string{t.Exchange, t.DLX} {
		if err := ch.ExchangeDeclare(name, exchangeType, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	if _, err := ch.QueueDeclare(t.DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", t.DLQ, err)
	}
	if err := ch.QueueBind(t.DLQ, deadLetterBinding, t.DLX, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, dlxArgs(t.DLX)); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, projectionBinding, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue to exchange: %w", err)
	}
	return nil
}

func dlxArgs(dlx string) amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": dlx}
}
