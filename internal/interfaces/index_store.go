package interfaces

import (
	"context"
	"iter"

	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

// IndexStore is the searchable projection of the ledger.
type IndexStore interface {
	// UpsertAccount writes doc only if the stored document has a lower version.
	// It reports whether the write happened.
	UpsertAccount(ctx context.Context, doc models.AccountDocument) (bool, error)
	// UpsertTransaction inserts doc if absent.
	UpsertTransaction(ctx context.Context, doc models.TransactionDocument) error
	GetAccount(ctx context.Context, accountID string) (models.AccountDocument, error)
	GetTransaction(ctx context.Context, transactionID string) (models.TransactionDocument, error)
	Search(ctx context.Context, q models.SearchQuery) iter.Seq2[models.TransactionDocument, error]
}
