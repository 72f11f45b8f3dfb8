//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sheikh-saqib/wallet-ledger/internal/idempotency"
	"github.com/sheikh-saqib/wallet-ledger/internal/ledger"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
	"github.com/sheikh-saqib/wallet-ledger/internal/storage"
)

// setupStore starts a disposable Postgres, applies the migrations and returns
// a store bound to it. The container is terminated on test cleanup.
func setupStore(t *testing.T) *PostgresLedgerStore {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(ctx, dsn, 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "migrating twice is a no-op")

	return NewPostgresLedgerStore(db)
}

func TestIntegration_Postgres_ApplyMutation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, "A", "USD")
	require.NoError(t, err)
	_, err = store.CreateAccount(ctx, "A", "USD")
	require.ErrorIs(t, err, storage.ErrAccountExists)

	now := time.Now().UTC()
	tx, claimed, err := store.Reserve(ctx, models.Transaction{
		ID: "tx-1", RequestKey: "k1", AccountID: "A", Amount: 250, LeaseExpiresAt: now.Add(time.Minute),
	}, now)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = store.ApplyMutation(ctx, models.Mutation{AccountID: "A", ExpectedVersion: 4, Delta: 250, TransactionID: tx.ID})
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	acct, err := store.ApplyMutation(ctx, models.Mutation{AccountID: "A", ExpectedVersion: 0, Delta: 250, TransactionID: tx.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(250), acct.Balance)
	assert.Equal(t, int64(1), acct.Version)

	_, err = store.ApplyMutation(ctx, models.Mutation{AccountID: "A", ExpectedVersion: 1, Delta: 250, TransactionID: tx.ID})
	require.ErrorIs(t, err, storage.ErrTransactionFinal)

	pending, err := store.ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	event, err := events.Decode(pending[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", event.EventID)
	assert.Equal(t, int64(250), event.ResultingBalance)

	applied, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, applied.UpdatedAt.Equal(event.OccurredAt))

	require.NoError(t, store.MarkEventPublished(ctx, "tx-1", time.Now()))
	pending, err = store.ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIntegration_Postgres_ReserveAndReject(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, _, err := store.Reserve(ctx, models.Transaction{ID: "tx-x", RequestKey: "k", AccountID: "missing", Amount: 1}, time.Now())
	require.ErrorIs(t, err, storage.ErrAccountNotFound)

	_, err = store.CreateAccount(ctx, "A", "USD")
	require.NoError(t, err)

	start := time.Now().UTC()
	_, claimed, err := store.Reserve(ctx, models.Transaction{
		ID: "tx-1", RequestKey: "k1", AccountID: "A", Amount: -5, LeaseExpiresAt: start.Add(time.Second),
	}, start)
	require.NoError(t, err)
	require.True(t, claimed)

	dup := models.Transaction{ID: "tx-2", RequestKey: "k1", AccountID: "A", Amount: -5, LeaseExpiresAt: start.Add(time.Hour)}
	existing, claimed, err := store.Reserve(ctx, dup, start)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "tx-1", existing.ID)

	_, err = store.ApplyMutation(ctx, models.Mutation{AccountID: "A", ExpectedVersion: 0, Delta: -5, TransactionID: "tx-1"})
	require.ErrorIs(t, err, storage.ErrInsufficientBalance)

	require.NoError(t, store.Release(ctx, "tx-1"))
	reclaimed, claimed, err := store.Reserve(ctx, dup, start)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "tx-1", reclaimed.ID)

	rejected, err := store.RejectTransaction(ctx, "tx-1", ledger.ReasonInsufficientBalance)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionRejected, rejected.Status)

	final, claimed, err := store.Reserve(ctx, dup, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, models.TransactionRejected, final.Status)

	closed, err := store.CloseAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.AccountClosed, closed.Status)
}

func TestIntegration_Postgres_ConcurrentProcessing(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	processor := ledger.NewProcessor(store, idempotency.NewGuard(store), ledger.WithConfig(ledger.Config{
		MaxAttempts:    200,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
	}))
	_, err := processor.OpenAccount(ctx, "A", "USD")
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := processor.Process(ctx, "A", fmt.Sprintf("credit-%d", i), 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := processor.Audit(ctx, "A")
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Violations)
	assert.Equal(t, int64(writers*10), report.Balance)
	assert.Equal(t, int64(writers), report.Version)
}

func TestIntegration_Postgres_OutboxRetryOrder(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, "A", "USD")
	require.NoError(t, err)

	for i, id := range []string{"tx-1", "tx-2", "tx-3"} {
		now := time.Now().UTC()
		_, _, err := store.Reserve(ctx, models.Transaction{
			ID: id, RequestKey: id, AccountID: "A", Amount: 10, LeaseExpiresAt: now.Add(time.Minute),
		}, now)
		require.NoError(t, err)
		_, err = store.ApplyMutation(ctx, models.Mutation{AccountID: "A", ExpectedVersion: int64(i), Delta: 10, TransactionID: id})
		require.NoError(t, err)
	}

	require.NoError(t, store.MarkEventFailed(ctx, "tx-1", "timeout"))
	require.NoError(t, store.MarkEventDeadLettered(ctx, "tx-2", "gave up"))

	pending, err := store.ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "tx-3", pending[0].EventID)
	assert.Equal(t, "tx-1", pending[1].EventID)
	assert.Equal(t, 1, pending[1].Attempts)

	require.ErrorIs(t, store.MarkEventDeadLettered(ctx, "nope", "x"), storage.ErrEventNotFound)
}
