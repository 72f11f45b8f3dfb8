package projection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventsmemory "github.com/sheikh-saqib/wallet-ledger/internal/events/memory"
	indexmemory "github.com/sheikh-saqib/wallet-ledger/internal/index/memory"
	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

// flakyIndex fails the first n transaction upserts.
type flakyIndex struct {
	*indexmemory.MemoryIndexStore
	failures atomic.Int32
}

func (f *flakyIndex) UpsertTransaction(ctx context.Context, doc models.TransactionDocument) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("index unavailable")
	}
	return f.MemoryIndexStore.UpsertTransaction(ctx, doc)
}

func runConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func newQueue() *eventsmemory.Queue {
	return eventsmemory.NewQueue(
		eventsmemory.WithWaitTime(20*time.Millisecond),
		eventsmemory.WithVisibilityTimeout(time.Second),
	)
}

func TestConsumerProjectsRedeliveredEventsOnce(t *testing.T) {
	ctx := context.Background()
	queue := newQueue()
	store := indexmemory.NewMemoryIndexStore()

	first := ledgerEvent("e1", 1, 1000, 1000)
	second := ledgerEvent("e2", 2, -400, 600)
	for _, e := range []events.LedgerEvent{first, second, first, second, first} {
		require.NoError(t, queue.Publish(ctx, e))
	}

	c := NewConsumer(queue, queue, NewProjector(store, nil), nil, ConsumerConfig{Workers: 3, BatchSize: 2, MaxAttempts: 3})
	runConsumer(t, c)

	require.Eventually(t, func() bool { return queue.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(600), acct.Balance)
	assert.Equal(t, "e2", acct.LastAppliedEventID)

	var ids []string
	for doc, err := range store.Search(ctx, models.SearchQuery{AccountID: "A"}) {
		require.NoError(t, err)
		ids = append(ids, doc.TransactionID)
	}
	assert.Equal(t, []string{"e2", "e1"}, ids)

	stats := c.Stats()
	assert.Equal(t, int64(5), stats.Applied+stats.Skipped)
	assert.Zero(t, stats.DeadLettered)
}

func TestConsumerDeadLettersPoisonWithoutBlocking(t *testing.T) {
	ctx := context.Background()
	queue := newQueue()
	store := indexmemory.NewMemoryIndexStore()

	queue.Enqueue("poison", []byte(`{"eventId":"bad","amount":"lots"}`))
	require.NoError(t, queue.Publish(ctx, ledgerEvent("e1", 1, 250, 250)))

	c := NewConsumer(queue, queue, NewProjector(store, nil), nil, ConsumerConfig{Workers: 1, BatchSize: 1, MaxAttempts: 3})
	runConsumer(t, c)

	require.Eventually(t, func() bool { return len(queue.DeadLetters()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return queue.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	dl := queue.DeadLetters()[0]
	assert.Equal(t, 3, dl.FailureCount)
	assert.Contains(t, dl.LastError, "malformed")
	assert.Equal(t, "bad", dl.EventID)
	assert.JSONEq(t, `{"eventId":"bad","amount":"lots"}`, string(dl.Payload))

	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(250), acct.Balance)
}

func TestConsumerRetriesTransientIndexFailures(t *testing.T) {
	ctx := context.Background()
	queue := newQueue()
	store := &flakyIndex{MemoryIndexStore: indexmemory.NewMemoryIndexStore()}
	store.failures.Store(2)

	require.NoError(t, queue.Publish(ctx, ledgerEvent("e1", 1, 40, 40)))

	c := NewConsumer(queue, queue, NewProjector(store, nil), nil, ConsumerConfig{Workers: 1, BatchSize: 5, MaxAttempts: 5})
	runConsumer(t, c)

	require.Eventually(t, func() bool { return queue.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	_, err := store.GetTransaction(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Stats().Retried)
	assert.Empty(t, queue.DeadLetters())
}

// recordingSubscriber captures how Handle settles a delivery.
type recordingSubscriber struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (r *recordingSubscriber) Receive(ctx context.Context, max int) ([]interfaces.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *recordingSubscriber) Ack(ctx context.Context, d interfaces.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, d.ID)
	return nil
}

func (r *recordingSubscriber) Nack(ctx context.Context, d interfaces.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nacked = append(r.nacked, d.ID)
	return nil
}

type failingDeadLetter struct{}

func (failingDeadLetter) DeadLetter(context.Context, events.DeadLetter) error {
	return errors.New("dlq down")
}

func TestHandleNacksWhenDeadLetterFails(t *testing.T) {
	sub := &recordingSubscriber{}
	c := NewConsumer(sub, failingDeadLetter{}, NewProjector(indexmemory.NewMemoryIndexStore(), nil), nil, ConsumerConfig{MaxAttempts: 2})

	c.Handle(context.Background(), interfaces.Delivery{ID: "d1", Body: []byte("garbage"), Attempt: 2})

	assert.Equal(t, []string{"d1"}, sub.nacked)
	assert.Empty(t, sub.acked)
	assert.Zero(t, c.Stats().DeadLettered)
}
