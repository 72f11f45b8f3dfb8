package interfaces

import (
	"context"

	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

type EventPublisher interface {
	Publish(ctx context.Context, event events.LedgerEvent) error
}

type DeadLetterPublisher interface {
	DeadLetter(ctx context.Context, dl events.DeadLetter) error
}

// Delivery is one received message. Attempt starts at 1 and grows on every
// redelivery of the same message.
type Delivery struct {
	ID      string
	Body    []byte
	Attempt int
	Token   any // transport handle used by Ack/Nack
}

// EventSubscriber delivers events at least once. Messages that are neither
// acked nor nacked become visible again after the transport's timeout.
type EventSubscriber interface {
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Nack(ctx context.Context, d Delivery) error
}
