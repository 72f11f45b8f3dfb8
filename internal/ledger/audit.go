package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

// AuditReport is the outcome of replaying an account's applied transactions.
type AuditReport struct {
	AccountID       string   `json:"accountId"`
	Balance         int64    `json:"balance"`
	Version         int64    `json:"version"`
	ReplayedBalance int64    `json:"replayedBalance"`
	Applied         int      `json:"applied"`
	Rejected        int      `json:"rejected"`
	Pending         int      `json:"pending"`
	Consistent      bool     `json:"consistent"`
	Violations      []string `json:"violations,omitempty"`
}

// Audit replays applied transactions from zero and checks that every step
// stays non-negative, matches the recorded snapshot and that the total equals
// the stored balance.
func (p *Processor) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	ctx, span := p.tracer.Start(ctx, "ledger.audit", trace.WithAttributes(attribute.String("ledger.account_id", accountID)))
	defer span.End()

	acct, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return AuditReport{}, outward(err)
	}
	txs, err := p.store.ListTransactions(ctx, accountID)
	if err != nil {
		return AuditReport{}, outward(err)
	}

	report := AuditReport{
		AccountID: acct.ID,
		Balance:   acct.Balance,
		Version:   acct.Version,
	}

	var running int64
	for _, tx := range txs {
		switch tx.Status {
		case models.TransactionRejected:
			report.Rejected++
			continue
		case models.TransactionPending:
			report.Pending++
			continue
		}

		report.Applied++
		running += tx.Amount

		if tx.Version != int64(report.Applied) {
			report.Violations = append(report.Violations,
				fmt.Sprintf("transaction %s has version %d, expected %d", tx.ID, tx.Version, report.Applied))
		}
		if running < 0 {
			report.Violations = append(report.Violations,
				fmt.Sprintf("balance negative (%d) after transaction %s", running, tx.ID))
		}
		if running != tx.ResultingBalance {
			report.Violations = append(report.Violations,
				fmt.Sprintf("transaction %s recorded balance %d, replay gives %d", tx.ID, tx.ResultingBalance, running))
		}
	}

	report.ReplayedBalance = running
	if running != acct.Balance {
		report.Violations = append(report.Violations,
			fmt.Sprintf("account balance %d, replay gives %d", acct.Balance, running))
	}
	if int64(report.Applied) != acct.Version {
		report.Violations = append(report.Violations,
			fmt.Sprintf("account version %d, applied transactions %d", acct.Version, report.Applied))
	}
	report.Consistent = len(report.Violations) == 0

	if !report.Consistent {
		p.logger.Log(ctx, logging.LevelError, "ledger audit failed",
			logging.String("account_id", accountID), logging.Int("violations", len(report.Violations)))
	}
	return report, nil
}
