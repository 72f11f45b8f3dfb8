// Package memory is an in-process queue with SQS-style delivery: a received
// message stays invisible until it is acked, nacked or its visibility timeout
// runs out, and every redelivery bumps its attempt count.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultWaitTime          = time.Second

	pollInterval = 20 * time.Millisecond
)

type message struct {
	id        string
	body      []byte
	attempt   int
	visibleAt time.Time
	receipt   string // empty while visible
}

type Queue struct {
	mu          sync.Mutex
	messages    []*message
	deadLetters []events.DeadLetter
	receipts    uint64
	wake        chan struct{}

	visibility time.Duration
	waitTime   time.Duration
	now        func() time.Time
}

type Option func(*Queue)

func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithWaitTime bounds how long Receive blocks on an empty queue.
func WithWaitTime(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.waitTime = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		wake:       make(chan struct{}, 1),
		visibility: DefaultVisibilityTimeout,
		waitTime:   DefaultWaitTime,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Publish(ctx context.Context, event events.LedgerEvent) error {
	body, err := events.Encode(event)
	if err != nil {
		return err
	}
	q.Enqueue(event.EventID, body)
	return nil
}

// Enqueue adds a raw message. Tests use it for payloads Publish cannot produce.
func (q *Queue) Enqueue(id string, body []byte) {
	q.mu.Lock()
	q.messages = append(q.messages, &message{id: id, body: body, visibleAt: q.now()})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Receive returns up to max visible messages, waiting up to the configured
// wait time for the first one.
func (q *Queue) Receive(ctx context.Context, max int) ([]interfaces.Delivery, error) {
	if max < 1 {
		max = 1
	}

	deadline := time.NewTimer(q.waitTime)
	defer deadline.Stop()

	for {
		if batch := q.take(max); len(batch) > 0 {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.wake:
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) take(max int) []interfaces.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var batch []interfaces.Delivery
	for _, m := range q.messages {
		if len(batch) == max {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}

		q.receipts++
		m.receipt = strconv.FormatUint(q.receipts, 10)
		m.attempt++
		m.visibleAt = now.Add(q.visibility)

		batch = append(batch, interfaces.Delivery{
			ID:      m.id,
			Body:    append([]byte(nil), m.body...),
			Attempt: m.attempt,
			Token:   m.receipt,
		})
	}
	return batch
}

// Ack deletes the message. An ack with a stale receipt, from a delivery whose
// visibility already ran out, is ignored.
func (q *Queue) Ack(ctx context.Context, d interfaces.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.messages {
		if m.receipt != "" && m.receipt == d.Token {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

// Nack makes the message visible again right away.
func (q *Queue) Nack(ctx context.Context, d interfaces.Delivery) error {
	q.mu.Lock()
	for _, m := range q.messages {
		if m.receipt != "" && m.receipt == d.Token {
			m.receipt = ""
			m.visibleAt = q.now()
			break
		}
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, dl events.DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deadLetters = append(q.deadLetters, dl)
	return nil
}

func (q *Queue) DeadLetters() []events.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]events.DeadLetter(nil), q.deadLetters...)
}

// Len counts messages not yet acked, in flight or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.messages)
}

var (
	_ interfaces.EventPublisher      = (*Queue)(nil)
	_ interfaces.EventSubscriber     = (*Queue)(nil)
	_ interfaces.DeadLetterPublisher = (*Queue)(nil)
)
