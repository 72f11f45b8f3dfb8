package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/wallet-ledger/internal/index"
	indexmemory "github.com/sheikh-saqib/wallet-ledger/internal/index/memory"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

var t0 = time.Date(2026, 8, 10, 15, 0, 0, 0, time.UTC)

func ledgerEvent(id string, version, amount, balance int64) events.LedgerEvent {
	return events.LedgerEvent{
		EventID:          id,
		AccountID:        "A",
		Amount:           amount,
		ResultingBalance: balance,
		OccurredAt:       t0.Add(time.Duration(version) * time.Second),
		Version:          version,
		Currency:         "USD",
	}
}

func TestApplyBuildsDocuments(t *testing.T) {
	ctx := context.Background()
	store := indexmemory.NewMemoryIndexStore()
	p := NewProjector(store, nil)

	skipped, err := p.Apply(ctx, ledgerEvent("e1", 1, -1250, 8750))
	require.NoError(t, err)
	assert.False(t, skipped)

	tx, err := store.GetTransaction(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.KindDebit, tx.Kind)
	assert.Equal(t, "-12.50", tx.DisplayAmount)
	assert.Equal(t, "87.50", tx.DisplayResultingBalance)

	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(8750), acct.Balance)
	assert.Equal(t, "87.50", acct.DisplayBalance)
	assert.Equal(t, "e1", acct.LastAppliedEventID)
	assert.Equal(t, int64(1), acct.Version)
}

func TestApplyTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	store := indexmemory.NewMemoryIndexStore()
	p := NewProjector(store, nil)
	event := ledgerEvent("e1", 1, 500, 500)

	_, err := p.Apply(ctx, event)
	require.NoError(t, err)
	before, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)

	skipped, err := p.Apply(ctx, event)
	require.NoError(t, err)
	assert.True(t, skipped)

	after, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyIgnoresStaleEvent(t *testing.T) {
	ctx := context.Background()
	store := indexmemory.NewMemoryIndexStore()
	p := NewProjector(store, nil)

	_, err := p.Apply(ctx, ledgerEvent("e2", 2, 300, 800))
	require.NoError(t, err)

	skipped, err := p.Apply(ctx, ledgerEvent("e1", 1, 500, 500))
	require.NoError(t, err)
	assert.True(t, skipped)

	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(800), acct.Balance)
	assert.Equal(t, "e2", acct.LastAppliedEventID)

	// the late transaction still shows up in search
	_, err = store.GetTransaction(ctx, "e1")
	require.NoError(t, err)
}

func TestApplyEventWithoutVersion(t *testing.T) {
	ctx := context.Background()
	store := indexmemory.NewMemoryIndexStore()
	p := NewProjector(store, nil)

	event := ledgerEvent("legacy", 0, 100, 100)
	skipped, err := p.Apply(ctx, event)
	require.NoError(t, err)
	assert.False(t, skipped)

	_, err = store.GetTransaction(ctx, "legacy")
	require.NoError(t, err)
	_, err = store.GetAccount(ctx, "A")
	require.ErrorIs(t, err, index.ErrDocumentNotFound)
}
