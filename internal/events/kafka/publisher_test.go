package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

func sampleEvent() events.LedgerEvent {
	return events.LedgerEvent{
		EventID:          "tx-1",
		AccountID:        "acc-9",
		Amount:           -40,
		ResultingBalance: 60,
		OccurredAt:       time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC),
		Version:          3,
		Currency:         "USD",
	}
}

func TestEventMessageIsKeyedByAccount(t *testing.T) {
	msg, err := eventMessage(sampleEvent())
	require.NoError(t, err)

	assert.Equal(t, []byte("acc-9"), msg.Key)
	assert.Equal(t, events.LedgerEventType, header(msg, headerEventType))
	assert.Equal(t, "tx-1", header(msg, headerEventID))

	decoded, err := events.Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, sampleEvent(), decoded)
}

func TestDeadLetterMessageCarriesFailure(t *testing.T) {
	body, err := events.Encode(sampleEvent())
	require.NoError(t, err)
	dl := events.NewDeadLetter(body, 5, errors.New("index unavailable"))

	msg, err := deadLetterMessage(dl)
	require.NoError(t, err)
	assert.Equal(t, "5", header(msg, headerFailureCount))
	assert.Equal(t, "index unavailable", header(msg, headerLastError))
	assert.Equal(t, []byte("acc-9"), msg.Key)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "tx-1", decoded["eventId"])
	assert.EqualValues(t, 5, decoded["failureCount"])
	assert.NotNil(t, decoded["payload"])
}

func TestDeliveryOfFallsBackToOffset(t *testing.T) {
	withHeader, err := eventMessage(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, "tx-1", deliveryOf(withHeader, 1).ID)

	bare := kafka.Message{Topic: "ledger.events", Partition: 2, Offset: 17, Value: []byte("{}")}
	d := deliveryOf(bare, 1)
	assert.Equal(t, "ledger.events/2/17", d.ID)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, bare, d.Token)
}

func TestNackQueuesLocalRetry(t *testing.T) {
	s := &Subscriber{}
	d := interfaces.Delivery{ID: "tx-1", Attempt: 1}

	require.NoError(t, s.Nack(context.Background(), d))
	require.NoError(t, s.Nack(context.Background(), interfaces.Delivery{ID: "tx-2", Attempt: 3}))

	first := s.takeRetries(1)
	require.Len(t, first, 1)
	assert.Equal(t, "tx-1", first[0].ID)
	assert.Equal(t, 2, first[0].Attempt)

	rest := s.takeRetries(10)
	require.Len(t, rest, 1)
	assert.Equal(t, 4, rest[0].Attempt)
	assert.Empty(t, s.takeRetries(10))
}

func TestAckRejectsForeignToken(t *testing.T) {
	s := &Subscriber{}
	err := s.Ack(context.Background(), interfaces.Delivery{Token: "receipt"})
	require.Error(t, err)
}
