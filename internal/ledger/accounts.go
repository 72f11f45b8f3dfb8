package ledger

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

// OpenAccount creates an empty account in the given currency.
func (p *Processor) OpenAccount(ctx context.Context, accountID, currency string) (models.Account, error) {
	ctx, span := p.tracer.Start(ctx, "ledger.open_account", trace.WithAttributes(attribute.String("ledger.account_id", accountID)))
	defer span.End()

	currency = models.NormalizeCurrency(currency)
	if strings.TrimSpace(accountID) == "" {
		return models.Account{}, fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	if !models.ValidCurrency(currency) {
		return models.Account{}, fmt.Errorf("%w: invalid currency %q", ErrInvalidRequest, currency)
	}

	acct, err := p.store.CreateAccount(ctx, accountID, currency)
	if err != nil {
		return models.Account{}, outward(err)
	}

	p.logger.Log(ctx, logging.LevelInfo, "account opened",
		logging.String("account_id", acct.ID), logging.String("currency", acct.Currency))
	return acct, nil
}

// CloseAccount soft-closes an account. The balance stays as it is and later
// requests against it are rejected.
func (p *Processor) CloseAccount(ctx context.Context, accountID string) (models.Account, error) {
	acct, err := p.store.CloseAccount(ctx, accountID)
	if err != nil {
		return models.Account{}, outward(err)
	}

	p.logger.Log(ctx, logging.LevelInfo, "account closed", logging.String("account_id", acct.ID))
	return acct, nil
}

func (p *Processor) Account(ctx context.Context, accountID string) (models.Account, error) {
	acct, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return models.Account{}, outward(err)
	}
	return acct, nil
}

func (p *Processor) Transaction(ctx context.Context, transactionID string) (models.Transaction, error) {
	tx, err := p.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return models.Transaction{}, outward(err)
	}
	return tx, nil
}

// History lists an account's transactions, applied ones first in version order.
func (p *Processor) History(ctx context.Context, accountID string) ([]models.Transaction, error) {
	txs, err := p.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, outward(err)
	}
	return txs, nil
}
