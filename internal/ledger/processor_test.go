package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/wallet-ledger/internal/idempotency"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
	"github.com/sheikh-saqib/wallet-ledger/internal/storage"
	"github.com/sheikh-saqib/wallet-ledger/internal/storage/memory"
)

var fastRetries = Config{
	MaxAttempts:    1000,
	RetryBaseDelay: 50 * time.Microsecond,
	RetryMaxDelay:  time.Millisecond,
}

func newProcessor(t *testing.T, opts ...Option) (*Processor, *memory.MemoryLedgerStore) {
	t.Helper()
	store := memory.NewMemoryLedgerStore()
	p := NewProcessor(store, idempotency.NewGuard(store), append([]Option{WithConfig(fastRetries)}, opts...)...)
	_, err := p.OpenAccount(context.Background(), "A", "usd")
	require.NoError(t, err)
	return p, store
}

func fund(t *testing.T, p *Processor, amount int64) {
	t.Helper()
	_, err := p.Process(context.Background(), "A", "funding", amount)
	require.NoError(t, err)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.LedgerEvent
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, event events.LedgerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// conflictingStore loses every optimistic write.
type conflictingStore struct {
	*memory.MemoryLedgerStore
}

func (c conflictingStore) ApplyMutation(ctx context.Context, m models.Mutation) (models.Account, error) {
	return models.Account{}, storage.ErrVersionConflict
}

func TestProcessCreditAndDebit(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	res, err := p.Process(ctx, "A", "k1", 500)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionApplied, res.Status)
	assert.Equal(t, int64(500), res.ResultingBalance)
	assert.False(t, res.Replayed)

	res, err = p.Process(ctx, "A", "k2", -200)
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.ResultingBalance)

	acct, err := p.Account(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(300), acct.Balance)
	assert.Equal(t, int64(2), acct.Version)
	assert.Equal(t, "USD", acct.Currency)
}

func TestProcessReplaysCompletedRequest(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	p, store := newProcessor(t, WithPublisher(publisher, nil))
	fund(t, p, 1000)

	first, err := p.Process(ctx, "A", "k1", -100)
	require.NoError(t, err)
	second, err := p.Process(ctx, "A", "k1", -100)
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(900), second.ResultingBalance)
	assert.True(t, second.Replayed)

	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(900), acct.Balance)
	assert.Equal(t, int64(2), acct.Version)
	assert.Len(t, publisher.events, 2, "replay must not publish again")
}

func TestProcessRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	p, store := newProcessor(t)
	fund(t, p, 100)

	res, err := p.Process(ctx, "A", "k1", -150)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, models.TransactionRejected, res.Status)

	replay, err := p.Process(ctx, "A", "k1", -150)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.TransactionID, replay.TransactionID)

	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, int64(1), acct.Version)

	pending, err := store.ListPendingEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "rejections do not emit events")
}

func TestProcessRejectsClosedAccount(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)
	fund(t, p, 100)

	_, err := p.CloseAccount(ctx, "A")
	require.NoError(t, err)

	res, err := p.Process(ctx, "A", "k1", 10)
	require.ErrorIs(t, err, ErrAccountClosed)
	assert.Equal(t, models.TransactionRejected, res.Status)

	acct, err := p.Account(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
}

func TestProcessInvalidRequests(t *testing.T) {
	p, _ := newProcessor(t)

	cases := []struct {
		name      string
		accountID string
		key       string
		amount    int64
		want      error
	}{
		{"zero amount", "A", "k1", 0, ErrInvalidRequest},
		{"missing key", "A", " ", 10, ErrInvalidRequest},
		{"missing account id", "", "k1", 10, ErrInvalidRequest},
		{"unknown account", "B", "k1", 10, ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Process(context.Background(), tc.accountID, tc.key, tc.amount)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	p, store := newProcessor(t)
	fund(t, p, 1000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, amount := range []int64{-400, -700} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Process(ctx, "A", fmt.Sprintf("k%d", i+1), amount)
		}()
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientBalance)
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)

	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Contains(t, []int64{600, 300}, acct.Balance)
	assert.Equal(t, int64(2), acct.Version)
}

func TestConcurrentWritersLoseNoUpdates(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	const writers = 40
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(ctx, "A", fmt.Sprintf("credit-%d", i), 25)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, err := p.Account(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*25), acct.Balance)
	assert.Equal(t, int64(writers), acct.Version)

	report, err := p.Audit(ctx, "A")
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Violations)
}

func TestRetryExhaustionReleasesReservation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryLedgerStore()
	_, err := store.CreateAccount(ctx, "A", "USD")
	require.NoError(t, err)

	guard := idempotency.NewGuard(store)
	cfg := Config{MaxAttempts: 3, RetryBaseDelay: time.Microsecond, RetryMaxDelay: time.Microsecond}

	failing := NewProcessor(conflictingStore{store}, guard, WithConfig(cfg))
	res, err := failing.Process(ctx, "A", "k1", 50)
	require.ErrorIs(t, err, ErrTransient)

	tx, err := store.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionPending, tx.Status)
	assert.True(t, tx.LeaseExpiresAt.IsZero(), "lease should be released")

	healthy := NewProcessor(store, guard, WithConfig(cfg))
	retried, err := healthy.Process(ctx, "A", "k1", 50)
	require.NoError(t, err)
	assert.Equal(t, res.TransactionID, retried.TransactionID)
	assert.Equal(t, int64(50), retried.ResultingBalance)
}

func TestDuplicateWhileInFlight(t *testing.T) {
	ctx := context.Background()
	p, store := newProcessor(t)

	_, _, err := store.Reserve(ctx, models.Transaction{
		ID:             "tx-held",
		RequestKey:     "k1",
		AccountID:      "A",
		Amount:         10,
		LeaseExpiresAt: time.Now().Add(time.Minute),
	}, time.Now())
	require.NoError(t, err)

	res, err := p.Process(ctx, "A", "k1", 10)
	require.ErrorIs(t, err, ErrDuplicateInFlight)
	assert.Equal(t, "tx-held", res.TransactionID)
}

func TestPublishFailureLeavesEventInOutbox(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{err: errors.New("broker down")}
	store := memory.NewMemoryLedgerStore()
	p := NewProcessor(store, idempotency.NewGuard(store), WithPublisher(publisher, store))
	_, err := p.OpenAccount(ctx, "A", "EUR")
	require.NoError(t, err)

	res, err := p.Process(ctx, "A", "k1", 70)
	require.NoError(t, err, "publish failures do not fail the request")

	pending, err := store.ListPendingEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.TransactionID, pending[0].EventID)

	event, err := events.Decode(pending[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(70), event.ResultingBalance)
	assert.Equal(t, "EUR", event.Currency)
}

func TestPublishedEventsAreMarked(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	store := memory.NewMemoryLedgerStore()
	p := NewProcessor(store, idempotency.NewGuard(store), WithPublisher(publisher, store))
	_, err := p.OpenAccount(ctx, "A", "USD")
	require.NoError(t, err)

	res, err := p.Process(ctx, "A", "k1", 70)
	require.NoError(t, err)

	require.Len(t, publisher.events, 1)
	event := publisher.events[0]
	assert.Equal(t, res.TransactionID, event.EventID)
	assert.Equal(t, int64(1), event.Version)

	pending, err := store.ListPendingEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryDelayStaysUnderCap(t *testing.T) {
	p := NewProcessor(nil, nil, WithConfig(Config{MaxAttempts: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 4 * time.Millisecond}))
	for attempt := range 20 {
		d := p.retryDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 4*time.Millisecond)
	}
}
