package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
	"github.com/sheikh-saqib/wallet-ledger/internal/storage"
)

const foreignKeyViolation = "23503"

const accountColumns = `id, balance, version, currency, status, created_at, updated_at`

const transactionColumns = `id, request_key, account_id, amount, resulting_balance, version,
	status, reject_reason, lease_expires_at, created_at, updated_at`

type PostgresLedgerStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
		// timestamptz keeps microseconds; events built before and after a
		// round trip must carry the same occurredAt
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (models.Account, error) {
	var acct models.Account
	var status string
	err := row.Scan(&acct.ID, &acct.Balance, &acct.Version, &acct.Currency, &status, &acct.CreatedAt, &acct.UpdatedAt)
	acct.Status = models.AccountStatus(status)
	return acct, err
}

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var tx models.Transaction
	var status string
	var lease sql.NullTime
	err := row.Scan(
		&tx.ID,
		&tx.RequestKey,
		&tx.AccountID,
		&tx.Amount,
		&tx.ResultingBalance,
		&tx.Version,
		&status,
		&tx.RejectReason,
		&lease,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	tx.Status = models.TransactionStatus(status)
	if lease.Valid {
		tx.LeaseExpiresAt = lease.Time
	}
	return tx, err
}

// withTx runs fn inside a database transaction and commits only if fn succeeds.
func (p *PostgresLedgerStore) withTx(ctx context.Context, fn func(dbTx *sql.Tx) error) (err error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	if err = fn(dbTx); err != nil {
		return err
	}
	return dbTx.Commit()
}

func (p *PostgresLedgerStore) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acct, err := scanAccount(p.db.QueryRowContext(ctx, query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, storage.ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

func (p *PostgresLedgerStore) CreateAccount(ctx context.Context, accountID, currency string) (models.Account, error) {
	const query = `INSERT INTO accounts (id, balance, version, currency, status, created_at, updated_at)
	VALUES ($1, 0, 0, $2, $3, $4, $4)
	ON CONFLICT (id) DO NOTHING
	RETURNING ` + accountColumns

	acct, err := scanAccount(p.db.QueryRowContext(ctx, query, accountID, currency, string(models.AccountOpen), p.now()))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, storage.ErrAccountExists
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("create account: %w", err)
	}
	return acct, nil
}

func (p *PostgresLedgerStore) CloseAccount(ctx context.Context, accountID string) (models.Account, error) {
	const query = `UPDATE accounts SET status = $2,
	updated_at = CASE WHEN status = $2 THEN updated_at ELSE $3 END
	WHERE id = $1
	RETURNING ` + accountColumns

	acct, err := scanAccount(p.db.QueryRowContext(ctx, query, accountID, string(models.AccountClosed), p.now()))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, storage.ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("close account: %w", err)
	}
	return acct, nil
}

// ApplyMutation moves the balance, flips the transaction to APPLIED and writes
// the outbox row inside one database transaction.
func (p *PostgresLedgerStore) ApplyMutation(ctx context.Context, m models.Mutation) (models.Account, error) {
	var acct models.Account

	err := p.withTx(ctx, func(dbTx *sql.Tx) error {
		tx, err := scanTransaction(dbTx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, m.TransactionID))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrTransactionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}
		if tx.AccountID != m.AccountID || tx.Amount != m.Delta {
			return storage.ErrTransactionMismatch
		}
		if tx.IsFinal() {
			return storage.ErrTransactionFinal
		}

		now := p.now()
		const update = `UPDATE accounts
		SET balance = balance + $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $2 AND status = 'OPEN' AND balance + $3 >= 0
		RETURNING ` + accountColumns

		acct, err = scanAccount(dbTx.QueryRowContext(ctx, update, m.AccountID, m.ExpectedVersion, m.Delta, now))
		if errors.Is(err, sql.ErrNoRows) {
			return p.diagnoseMutation(ctx, dbTx, m)
		}
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}

		tx.Status = models.TransactionApplied
		tx.ResultingBalance = acct.Balance
		tx.Version = acct.Version
		tx.UpdatedAt = now

		const applied = `UPDATE transactions
		SET status = $2, resulting_balance = $3, version = $4, lease_expires_at = NULL, updated_at = $5
		WHERE id = $1`
		if _, err := dbTx.ExecContext(ctx, applied, tx.ID, string(tx.Status), tx.ResultingBalance, tx.Version, now); err != nil {
			return fmt.Errorf("mark transaction applied: %w", err)
		}

		payload, err := events.Encode(events.NewLedgerEvent(tx, acct.Currency))
		if err != nil {
			return fmt.Errorf("encode ledger event: %w", err)
		}

		const outbox = `INSERT INTO ledger_outbox (event_id, account_id, payload, created_at)
		VALUES ($1, $2, $3, $4)`
		if _, err := dbTx.ExecContext(ctx, outbox, tx.ID, acct.ID, string(payload), now); err != nil {
			return fmt.Errorf("write outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}
	return acct, nil
}

// diagnoseMutation explains why the conditional account update matched no row.
func (p *PostgresLedgerStore) diagnoseMutation(ctx context.Context, dbTx *sql.Tx, m models.Mutation) error {
	acct, err := scanAccount(dbTx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, m.AccountID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrAccountNotFound
	case err != nil:
		return fmt.Errorf("read account: %w", err)
	case !acct.IsOpen():
		return storage.ErrAccountClosed
	case acct.Version != m.ExpectedVersion:
		return storage.ErrVersionConflict
	default:
		return storage.ErrInsufficientBalance
	}
}

func (p *PostgresLedgerStore) RejectTransaction(ctx context.Context, transactionID, reason string) (models.Transaction, error) {
	var result models.Transaction

	err := p.withTx(ctx, func(dbTx *sql.Tx) error {
		tx, err := scanTransaction(dbTx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, transactionID))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrTransactionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}
		if tx.Status == models.TransactionRejected {
			result = tx
			return nil
		}
		if tx.IsFinal() {
			return storage.ErrTransactionFinal
		}

		const query = `UPDATE transactions
		SET status = $2, reject_reason = $3, lease_expires_at = NULL, updated_at = $4
		WHERE id = $1
		RETURNING ` + transactionColumns
		result, err = scanTransaction(dbTx.QueryRowContext(ctx, query, transactionID, string(models.TransactionRejected), reason, p.now()))
		if err != nil {
			return fmt.Errorf("reject transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}
	return result, nil
}

func (p *PostgresLedgerStore) GetTransaction(ctx context.Context, transactionID string) (models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(p.db.QueryRowContext(ctx, query, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, storage.ErrTransactionNotFound
	}
	if err != nil {
		return models.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func (p *PostgresLedgerStore) GetTransactionByRequestKey(ctx context.Context, accountID, requestKey string) (models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions
	WHERE account_id = $1 AND request_key = $2`

	tx, err := scanTransaction(p.db.QueryRowContext(ctx, query, accountID, requestKey))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, storage.ErrTransactionNotFound
	}
	if err != nil {
		return models.Transaction{}, fmt.Errorf("get transaction by request key: %w", err)
	}
	return tx, nil
}

func (p *PostgresLedgerStore) ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error) {
	if _, err := p.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	const query = `SELECT ` + transactionColumns + ` FROM transactions
	WHERE account_id = $1
	ORDER BY (status <> 'APPLIED'), version, created_at, id`

	rows, err := p.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	defer rows.Close()

	var result []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresLedgerStore) Reserve(ctx context.Context, tx models.Transaction, now time.Time) (models.Transaction, bool, error) {
	const insert = `INSERT INTO transactions (id, request_key, account_id, amount, status, lease_expires_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	ON CONFLICT (account_id, request_key) DO NOTHING
	RETURNING ` + transactionColumns

	reserved, err := scanTransaction(p.db.QueryRowContext(ctx, insert,
		tx.ID, tx.RequestKey, tx.AccountID, tx.Amount, string(models.TransactionPending), tx.LeaseExpiresAt, now))
	if err == nil {
		return reserved, true, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return models.Transaction{}, false, storage.ErrAccountNotFound
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, false, fmt.Errorf("reserve request key: %w", err)
	}

	existing, err := p.GetTransactionByRequestKey(ctx, tx.AccountID, tx.RequestKey)
	if err != nil {
		return models.Transaction{}, false, err
	}
	if existing.IsFinal() || existing.LeaseExpiresAt.After(now) {
		return existing, false, nil
	}

	// expired lease: re-claim it, losing the race means someone else holds it now
	const reclaim = `UPDATE transactions SET lease_expires_at = $2, updated_at = $3
	WHERE id = $1 AND status = 'PENDING' AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
	RETURNING ` + transactionColumns

	reclaimed, err := scanTransaction(p.db.QueryRowContext(ctx, reclaim, existing.ID, tx.LeaseExpiresAt, now))
	if errors.Is(err, sql.ErrNoRows) {
		current, err := p.GetTransaction(ctx, existing.ID)
		if err != nil {
			return models.Transaction{}, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("reclaim reservation: %w", err)
	}
	return reclaimed, true, nil
}

func (p *PostgresLedgerStore) Release(ctx context.Context, transactionID string) error {
	const query = `UPDATE transactions SET lease_expires_at = NULL, updated_at = $2
	WHERE id = $1 AND status = 'PENDING'`

	res, err := p.db.ExecContext(ctx, query, transactionID, p.now())
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := p.GetTransaction(ctx, transactionID); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresLedgerStore) ListPendingEvents(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	const query = `SELECT event_id, account_id, payload, published, dead_lettered, attempts, last_error, created_at, published_at
	FROM ledger_outbox
	WHERE NOT published AND NOT dead_lettered
	ORDER BY attempts, created_at, event_id
	LIMIT $1`

	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}

	defer rows.Close()

	var records []models.OutboxRecord
	for rows.Next() {
		var rec models.OutboxRecord
		var payload string
		var publishedAt sql.NullTime
		if err := rows.Scan(&rec.EventID, &rec.AccountID, &payload, &rec.Published, &rec.DeadLettered, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &publishedAt); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		if publishedAt.Valid {
			rec.PublishedAt = &publishedAt.Time
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PostgresLedgerStore) MarkEventPublished(ctx context.Context, eventID string, publishedAt time.Time) error {
	const query = `UPDATE ledger_outbox SET published = TRUE, published_at = $2
	WHERE event_id = $1 AND NOT published`

	return p.execOutbox(ctx, query, eventID, publishedAt)
}

func (p *PostgresLedgerStore) MarkEventFailed(ctx context.Context, eventID, errMsg string) error {
	const query = `UPDATE ledger_outbox SET attempts = attempts + 1, last_error = $2
	WHERE event_id = $1`

	return p.execOutbox(ctx, query, eventID, errMsg)
}

func (p *PostgresLedgerStore) MarkEventDeadLettered(ctx context.Context, eventID, errMsg string) error {
	const query = `UPDATE ledger_outbox SET dead_lettered = TRUE, last_error = $2
	WHERE event_id = $1 AND NOT published`

	return p.execOutbox(ctx, query, eventID, errMsg)
}

func (p *PostgresLedgerStore) execOutbox(ctx context.Context, query, eventID string, arg any) error {
	res, err := p.db.ExecContext(ctx, query, eventID, arg)
	if err != nil {
		return fmt.Errorf("update outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = p.db.QueryRowContext(ctx, `SELECT 1 FROM ledger_outbox WHERE event_id = $1`, eventID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrEventNotFound
	}
	return err
}

var (
	_ interfaces.LedgerStore      = (*PostgresLedgerStore)(nil)
	_ interfaces.ReservationStore = (*PostgresLedgerStore)(nil)
	_ interfaces.OutboxStore      = (*PostgresLedgerStore)(nil)
)
