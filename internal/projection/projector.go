// Package projection turns ledger events into index documents.
package projection

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sheikh-saqib/wallet-ledger/internal/index"
	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

var tracer = otel.Tracer("github.com/sheikh-saqib/wallet-ledger/internal/projection")

// Projector applies one event to the index. Applying the same event twice,
// or an event older than what the index holds, changes nothing.
type Projector struct {
	index  interfaces.IndexStore
	logger logging.Logger
}

func NewProjector(store interfaces.IndexStore, logger logging.Logger) *Projector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Projector{index: store, logger: logger}
}

// Apply reports skipped when the event was already applied to the account
// document or is older than it.
func (p *Projector) Apply(ctx context.Context, event events.LedgerEvent) (bool, error) {
	ctx, span := tracer.Start(ctx, "projection.apply", trace.WithAttributes(
		attribute.String("ledger.event_id", event.EventID),
		attribute.String("ledger.account_id", event.AccountID),
	))
	defer span.End()

	current, err := p.index.GetAccount(ctx, event.AccountID)
	switch {
	case errors.Is(err, index.ErrDocumentNotFound):
	case err != nil:
		return false, fmt.Errorf("read account document: %w", err)
	case current.LastAppliedEventID == event.EventID:
		return true, nil
	}

	if err := p.index.UpsertTransaction(ctx, transactionDocument(event)); err != nil {
		return false, fmt.Errorf("upsert transaction document: %w", err)
	}

	// events from writers that predate versioning carry no version and
	// cannot be ordered against the account document
	if event.Version == 0 {
		p.logger.Log(ctx, logging.LevelDebug, "event without version, account document left as is",
			logging.String("event_id", event.EventID))
		return false, nil
	}

	applied, err := p.index.UpsertAccount(ctx, accountDocument(event))
	if err != nil {
		return false, fmt.Errorf("upsert account document: %w", err)
	}
	if !applied {
		p.logger.Log(ctx, logging.LevelDebug, "stale event ignored for account document",
			logging.String("event_id", event.EventID),
			logging.Int64("version", event.Version))
		return true, nil
	}
	return false, nil
}

func transactionDocument(e events.LedgerEvent) models.TransactionDocument {
	return models.TransactionDocument{
		TransactionID:           e.EventID,
		AccountID:               e.AccountID,
		Currency:                e.Currency,
		Kind:                    models.KindOf(e.Amount),
		Amount:                  e.Amount,
		DisplayAmount:           models.FormatMajorUnits(e.Amount, e.Currency),
		ResultingBalance:        e.ResultingBalance,
		DisplayResultingBalance: models.FormatMajorUnits(e.ResultingBalance, e.Currency),
		Version:                 e.Version,
		LastAppliedEventID:      e.EventID,
		OccurredAt:              e.OccurredAt,
	}
}

func accountDocument(e events.LedgerEvent) models.AccountDocument {
	return models.AccountDocument{
		AccountID:          e.AccountID,
		Currency:           e.Currency,
		Balance:            e.ResultingBalance,
		DisplayBalance:     models.FormatMajorUnits(e.ResultingBalance, e.Currency),
		Version:            e.Version,
		LastAppliedEventID: e.EventID,
		UpdatedAt:          e.OccurredAt,
	}
}
