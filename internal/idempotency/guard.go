// Package idempotency deduplicates ledger requests by (account, request key).
//
// A reservation is a PENDING transaction row with a lease. While the lease is
// live every duplicate sees AlreadyInFlight; once the transaction is final
// every duplicate sees AlreadyCompleted with the recorded outcome. A lease
// that expired, or was released after a transient failure, can be claimed
// again and keeps the original transaction id.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

// DefaultLeaseTTL bounds how long a crashed writer can block its request key.
const DefaultLeaseTTL = 30 * time.Second

// Outcome of a reservation attempt.
type Outcome int

const (
	Granted Outcome = iota
	AlreadyInFlight
	AlreadyCompleted
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case AlreadyInFlight:
		return "in_flight"
	case AlreadyCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Reservation is the result of Reserve. Transaction is the reserved PENDING
// row for Granted, the competing row for AlreadyInFlight and the final row for
// AlreadyCompleted.
type Reservation struct {
	Outcome     Outcome
	Transaction models.Transaction
}

// ResultCache remembers final outcomes so replays skip the store.
// The store stays authoritative; a cache miss or error falls through to it.
type ResultCache interface {
	Get(ctx context.Context, accountID, requestKey string) (models.Transaction, bool, error)
	Put(ctx context.Context, tx models.Transaction) error
}

type Guard struct {
	store    interfaces.ReservationStore
	cache    ResultCache
	logger   logging.Logger
	leaseTTL time.Duration
	now      func() time.Time
	newID    func() string
}

type Option func(*Guard)

func WithResultCache(cache ResultCache) Option {
	return func(g *Guard) { g.cache = cache }
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.leaseTTL = ttl
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock replaces time.Now, mostly for lease expiry tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGuard(store interfaces.ReservationStore, opts ...Option) *Guard {
	g := &Guard{
		store:    store,
		logger:   logging.NewNop(),
		leaseTTL: DefaultLeaseTTL,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reserve claims (accountID, requestKey) for a new transaction of amount.
func (g *Guard) Reserve(ctx context.Context, accountID, requestKey string, amount int64) (Reservation, error) {
	if g.cache != nil {
		tx, ok, err := g.cache.Get(ctx, accountID, requestKey)
		if err != nil {
			g.logger.Log(ctx, logging.LevelWarn, "idempotency cache lookup failed",
				logging.String("account_id", accountID), logging.Err(err))
		} else if ok && tx.AccountID == accountID && tx.RequestKey == requestKey {
			return Reservation{Outcome: AlreadyCompleted, Transaction: tx}, nil
		} else if ok {
			g.logger.Log(ctx, logging.LevelWarn, "idempotency cache entry belongs to another request, ignoring",
				logging.String("account_id", accountID), logging.String("transaction_id", tx.ID))
		}
	}

	now := g.now()
	candidate := models.Transaction{
		ID:             g.newID(),
		RequestKey:     requestKey,
		AccountID:      accountID,
		Amount:         amount,
		Status:         models.TransactionPending,
		LeaseExpiresAt: now.Add(g.leaseTTL),
	}

	tx, claimed, err := g.store.Reserve(ctx, candidate, now)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve: %w", err)
	}

	switch {
	case claimed:
		return Reservation{Outcome: Granted, Transaction: tx}, nil
	case tx.IsFinal():
		g.remember(ctx, tx)
		return Reservation{Outcome: AlreadyCompleted, Transaction: tx}, nil
	default:
		return Reservation{Outcome: AlreadyInFlight, Transaction: tx}, nil
	}
}

// Release gives up a granted reservation so the request can be retried
// immediately instead of after the lease expires.
func (g *Guard) Release(ctx context.Context, transactionID string) error {
	if err := g.store.Release(ctx, transactionID); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Complete records a final outcome in the result cache, if there is one.
func (g *Guard) Complete(ctx context.Context, tx models.Transaction) {
	if !tx.IsFinal() {
		return
	}
	g.remember(ctx, tx)
}

func (g *Guard) remember(ctx context.Context, tx models.Transaction) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Put(ctx, tx); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Log(ctx, logging.LevelWarn, "idempotency cache write failed",
			logging.String("transaction_id", tx.ID), logging.Err(err))
	}
}
