package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

// LedgerStore is the authoritative storage for accounts and transactions.
// ApplyMutation is the only way a balance changes.
type LedgerStore interface {
	GetAccount(ctx context.Context, accountID string) (models.Account, error)
	CreateAccount(ctx context.Context, accountID, currency string) (models.Account, error)
	CloseAccount(ctx context.Context, accountID string) (models.Account, error)

	// ApplyMutation checks the expected version and balance+delta >= 0, then
	// writes the new balance and version, marks the transaction APPLIED and
	// records its ledger event in the outbox, all as a single unit.
	ApplyMutation(ctx context.Context, m models.Mutation) (models.Account, error)
	RejectTransaction(ctx context.Context, transactionID, reason string) (models.Transaction, error)

	GetTransaction(ctx context.Context, transactionID string) (models.Transaction, error)
	GetTransactionByRequestKey(ctx context.Context, accountID, requestKey string) (models.Transaction, error)
	ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error)
}

// ReservationStore is the conditional insert backing the idempotency guard.
// It lives next to the transactions so a reservation and the final status of
// its transaction can never disagree.
type ReservationStore interface {
	// Reserve inserts a PENDING transaction for (accountID, requestKey) unless
	// one exists. An existing PENDING transaction whose lease expired before
	// now is re-leased and returned as a fresh claim.
	Reserve(ctx context.Context, tx models.Transaction, now time.Time) (models.Transaction, bool, error)
	Release(ctx context.Context, transactionID string) error
}

// OutboxStore exposes ledger events that still need to reach the queue.
// Pending events are listed fewest attempts first, then in creation order.
type OutboxStore interface {
	ListPendingEvents(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	MarkEventPublished(ctx context.Context, eventID string, publishedAt time.Time) error
	MarkEventFailed(ctx context.Context, eventID, errMsg string) error
	MarkEventDeadLettered(ctx context.Context, eventID, errMsg string) error
}
