package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

const (
	headerEventType    = "event-type"
	headerEventID      = "event-id"
	headerFailureCount = "failure-count"
	headerLastError    = "last-error"

	deadLetterType = "ledger.transaction.dead_letter"
)

// Publisher writes ledger events keyed by account id, so one account's events
// land on one partition in commit order.
type Publisher struct {
	writer    *kafka.Writer
	dlqWriter *kafka.Writer
}

func NewPublisher(brokers []string, topic, dlqTopic string) *Publisher {
	return &Publisher{
		writer:    newWriter(brokers, topic),
		dlqWriter: newWriter(brokers, dlqTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (p *Publisher) Publish(ctx context.Context, event events.LedgerEvent) error {
	msg, err := eventMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s: %w", event.EventID, err)
	}
	return nil
}

func (p *Publisher) DeadLetter(ctx context.Context, dl events.DeadLetter) error {
	msg, err := deadLetterMessage(dl)
	if err != nil {
		return err
	}
	if err := p.dlqWriter.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write dead letter %s: %w", dl.EventID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	err := p.writer.Close()
	if dlqErr := p.dlqWriter.Close(); err == nil {
		err = dlqErr
	}
	return err
}

func eventMessage(event events.LedgerEvent) (kafka.Message, error) {
	body, err := events.Encode(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.AccountID),
		Value: body,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(events.LedgerEventType)},
			{Key: headerEventID, Value: []byte(event.EventID)},
		},
	}, nil
}

func deadLetterMessage(dl events.DeadLetter) (kafka.Message, error) {
	body, err := events.EncodeDeadLetter(dl)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode dead letter: %w", err)
	}
	return kafka.Message{
		Key:   []byte(dl.AccountID),
		Value: body,
		Time:  dl.DeadAt,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(deadLetterType)},
			{Key: headerEventID, Value: []byte(dl.EventID)},
			{Key: headerFailureCount, Value: []byte(strconv.Itoa(dl.FailureCount))},
			{Key: headerLastError, Value: []byte(dl.LastError)},
		},
	}, nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

var (
	_ interfaces.EventPublisher      = (*Publisher)(nil)
	_ interfaces.DeadLetterPublisher = (*Publisher)(nil)
)
