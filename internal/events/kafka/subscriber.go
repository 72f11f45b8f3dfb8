package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
)

const defaultMaxWait = time.Second

// Subscriber reads the event topic through a consumer group.
//
// Kafka has no per-message redelivery, so a nacked message is kept in a local
// retry list and handed out again with a higher attempt. An offset is
// committed only once every earlier offset of its partition has been acked,
// so messages in flight on other workers or waiting for a retry are read
// again after a rebalance or restart.
type Subscriber struct {
	reader  *kafka.Reader
	maxWait time.Duration
	offsets offsetTracker

	// commitMu keeps commits of one subscriber in offset order
	commitMu sync.Mutex

	mu      sync.Mutex
	retries []interfaces.Delivery
}

func NewSubscriber(brokers []string, topic, groupID string) *Subscriber {
	return &Subscriber{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		}),
		maxWait: defaultMaxWait,
	}
}

// Receive returns queued retries first, then fetches fresh messages. It
// blocks up to maxWait for the first message and drains what is already
// buffered after that.
func (s *Subscriber) Receive(ctx context.Context, max int) ([]interfaces.Delivery, error) {
	if max < 1 {
		max = 1
	}

	batch := s.takeRetries(max)
	wait := s.maxWait
	if len(batch) > 0 {
		wait = time.Millisecond
	}

	for len(batch) < max {
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := s.reader.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || len(batch) > 0 {
				return batch, nil
			}
			return batch, fmt.Errorf("fetch message: %w", err)
		}

		s.offsets.track(msg.Topic, msg.Partition, msg.Offset)
		batch = append(batch, deliveryOf(msg, 1))
		wait = time.Millisecond
	}
	return batch, nil
}

func (s *Subscriber) Ack(ctx context.Context, d interfaces.Delivery) error {
	msg, ok := d.Token.(kafka.Message)
	if !ok {
		return fmt.Errorf("ack: unexpected delivery token %T", d.Token)
	}

	offset, ok := s.offsets.ack(msg.Topic, msg.Partition, msg.Offset)
	if !ok {
		return nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if !s.offsets.needsCommit(msg.Topic, msg.Partition, offset) {
		return nil
	}
	commit := kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: offset}
	if err := s.reader.CommitMessages(ctx, commit); err != nil {
		// the acked offsets are covered by the next successful commit
		return fmt.Errorf("commit offset %d: %w", offset, err)
	}
	s.offsets.committed(msg.Topic, msg.Partition, offset)
	return nil
}

func (s *Subscriber) Nack(ctx context.Context, d interfaces.Delivery) error {
	d.Attempt++

	s.mu.Lock()
	s.retries = append(s.retries, d)
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) Close() error {
	return s.reader.Close()
}

func (s *Subscriber) takeRetries(max int) []interfaces.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(max, len(s.retries))
	batch := append([]interfaces.Delivery(nil), s.retries[:n]...)
	s.retries = s.retries[n:]
	return batch
}

func deliveryOf(msg kafka.Message, attempt int) interfaces.Delivery {
	id := header(msg, headerEventID)
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return interfaces.Delivery{
		ID:      id,
		Body:    msg.Value,
		Attempt: attempt,
		Token:   msg,
	}
}

var _ interfaces.EventSubscriber = (*Subscriber)(nil)
