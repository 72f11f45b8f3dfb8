package memory

import (
	"context" // standard Go package for request-scoped context (timeouts, cancellation)
	"fmt"
	"sort"
	"sync" // standard Go package for concurrency primitives like Mutex
	"time"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
	"github.com/sheikh-saqib/wallet-ledger/internal/storage"
)

// MemoryLedgerStore is an in-memory implementation of the ledger store contracts.
// One mutex guards all maps, so every method is a single atomic unit.
type MemoryLedgerStore struct {
	mu           sync.Mutex
	accounts     map[string]models.Account
	transactions map[string]models.Transaction // keyed by transaction id
	requestKeys  map[requestKey]string         // (account, request key) -> transaction id
	outbox       map[string]*models.OutboxRecord
	outboxOrder  []string
	now          func() time.Time
}

type requestKey struct {
	accountID string
	key       string
}

// NewMemoryLedgerStore creates and returns a new MemoryLedgerStore instance
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts:     make(map[string]models.Account),
		transactions: make(map[string]models.Transaction),
		requestKeys:  make(map[requestKey]string),
		outbox:       make(map[string]*models.OutboxRecord),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryLedgerStore) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return models.Account{}, storage.ErrAccountNotFound
	}
	return acct, nil
}

func (m *MemoryLedgerStore) CreateAccount(ctx context.Context, accountID, currency string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[accountID]; exists {
		return models.Account{}, storage.ErrAccountExists
	}

	now := m.now()
	acct := models.Account{
		ID:        accountID,
		Currency:  currency,
		Status:    models.AccountOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[accountID] = acct
	return acct, nil
}

func (m *MemoryLedgerStore) CloseAccount(ctx context.Context, accountID string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return models.Account{}, storage.ErrAccountNotFound
	}
	if acct.Status != models.AccountClosed {
		acct.Status = models.AccountClosed
		acct.UpdatedAt = m.now()
		m.accounts[accountID] = acct
	}
	return acct, nil
}

func (m *MemoryLedgerStore) ApplyMutation(ctx context.Context, mut models.Mutation) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[mut.AccountID]
	if !ok {
		return models.Account{}, storage.ErrAccountNotFound
	}
	tx, ok := m.transactions[mut.TransactionID]
	if !ok {
		return models.Account{}, storage.ErrTransactionNotFound
	}
	if tx.AccountID != mut.AccountID || tx.Amount != mut.Delta {
		return models.Account{}, storage.ErrTransactionMismatch
	}
	if tx.IsFinal() {
		return models.Account{}, storage.ErrTransactionFinal
	}
	if !acct.IsOpen() {
		return models.Account{}, storage.ErrAccountClosed
	}
	if acct.Version != mut.ExpectedVersion {
		return models.Account{}, storage.ErrVersionConflict
	}
	if acct.Balance+mut.Delta < 0 {
		return models.Account{}, storage.ErrInsufficientBalance
	}

	// nothing has been written yet, so a marshal failure leaves no partial state
	now := m.now()
	tx.Status = models.TransactionApplied
	tx.ResultingBalance = acct.Balance + mut.Delta
	tx.Version = acct.Version + 1
	tx.LeaseExpiresAt = time.Time{}
	tx.UpdatedAt = now

	payload, err := events.Encode(events.NewLedgerEvent(tx, acct.Currency))
	if err != nil {
		return models.Account{}, fmt.Errorf("encode ledger event: %w", err)
	}

	acct.Balance = tx.ResultingBalance
	acct.Version = tx.Version
	acct.UpdatedAt = now

	m.accounts[acct.ID] = acct
	m.transactions[tx.ID] = tx
	m.outbox[tx.ID] = &models.OutboxRecord{
		EventID:   tx.ID,
		AccountID: acct.ID,
		Payload:   payload,
		CreatedAt: now,
	}
	m.outboxOrder = append(m.outboxOrder, tx.ID)
	return acct, nil
}

func (m *MemoryLedgerStore) RejectTransaction(ctx context.Context, transactionID, reason string) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[transactionID]
	if !ok {
		return models.Transaction{}, storage.ErrTransactionNotFound
	}
	if tx.Status == models.TransactionRejected {
		return tx, nil
	}
	if tx.IsFinal() {
		return models.Transaction{}, storage.ErrTransactionFinal
	}

	tx.Status = models.TransactionRejected
	tx.RejectReason = reason
	tx.LeaseExpiresAt = time.Time{}
	tx.UpdatedAt = m.now()
	m.transactions[tx.ID] = tx
	return tx, nil
}

func (m *MemoryLedgerStore) GetTransaction(ctx context.Context, transactionID string) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[transactionID]
	if !ok {
		return models.Transaction{}, storage.ErrTransactionNotFound
	}
	return tx, nil
}

func (m *MemoryLedgerStore) GetTransactionByRequestKey(ctx context.Context, accountID, key string) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.requestKeys[requestKey{accountID: accountID, key: key}]
	if !ok {
		return models.Transaction{}, storage.ErrTransactionNotFound
	}
	return m.transactions[id], nil
}

// ListTransactions returns applied transactions in version order followed by
// the rest in creation order.
func (m *MemoryLedgerStore) ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, storage.ErrAccountNotFound
	}

	var result []models.Transaction
	for _, tx := range m.transactions {
		if tx.AccountID == accountID {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		aApplied, bApplied := a.Status == models.TransactionApplied, b.Status == models.TransactionApplied
		if aApplied != bApplied {
			return aApplied
		}
		if aApplied {
			return a.Version < b.Version
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return result, nil
}

func (m *MemoryLedgerStore) Reserve(ctx context.Context, tx models.Transaction, now time.Time) (models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[tx.AccountID]; !ok {
		return models.Transaction{}, false, storage.ErrAccountNotFound
	}

	key := requestKey{accountID: tx.AccountID, key: tx.RequestKey}
	if id, exists := m.requestKeys[key]; exists {
		existing := m.transactions[id]
		if existing.IsFinal() || existing.LeaseExpiresAt.After(now) {
			return existing, false, nil
		}
		// expired lease: re-claim under the original transaction id
		existing.LeaseExpiresAt = tx.LeaseExpiresAt
		existing.UpdatedAt = now
		m.transactions[id] = existing
		return existing, true, nil
	}

	tx.Status = models.TransactionPending
	tx.CreatedAt = now
	tx.UpdatedAt = now
	m.transactions[tx.ID] = tx
	m.requestKeys[key] = tx.ID
	return tx, true, nil
}

func (m *MemoryLedgerStore) Release(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[transactionID]
	if !ok {
		return storage.ErrTransactionNotFound
	}
	if tx.Status != models.TransactionPending {
		return nil
	}
	tx.LeaseExpiresAt = time.Time{}
	tx.UpdatedAt = m.now()
	m.transactions[transactionID] = tx
	return nil
}

func (m *MemoryLedgerStore) ListPendingEvents(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.OutboxRecord
	for _, id := range m.outboxOrder {
		rec := m.outbox[id]
		if rec.Published || rec.DeadLettered {
			continue
		}
		cp := *rec
		cp.Payload = append([]byte(nil), rec.Payload...)
		result = append(result, cp)
	}

	// outboxOrder is creation order, so a stable sort keeps it within equal attempts
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Attempts < result[j].Attempts
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryLedgerStore) MarkEventPublished(ctx context.Context, eventID string, publishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.outbox[eventID]
	if !ok {
		return storage.ErrEventNotFound
	}
	if rec.Published {
		return nil
	}
	rec.Published = true
	rec.PublishedAt = &publishedAt
	m.compactOutbox()
	return nil
}

// compactOutbox drops the settled prefix so pending scans stay short.
func (m *MemoryLedgerStore) compactOutbox() {
	i := 0
	for i < len(m.outboxOrder) {
		rec := m.outbox[m.outboxOrder[i]]
		if !rec.Published && !rec.DeadLettered {
			break
		}
		i++
	}
	m.outboxOrder = m.outboxOrder[i:]
}

func (m *MemoryLedgerStore) MarkEventFailed(ctx context.Context, eventID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.outbox[eventID]
	if !ok {
		return storage.ErrEventNotFound
	}
	rec.Attempts++
	rec.LastError = errMsg
	return nil
}

func (m *MemoryLedgerStore) MarkEventDeadLettered(ctx context.Context, eventID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.outbox[eventID]
	if !ok {
		return storage.ErrEventNotFound
	}
	if rec.Published || rec.DeadLettered {
		return nil
	}
	rec.DeadLettered = true
	rec.LastError = errMsg
	m.compactOutbox()
	return nil
}

// Compile-time check: ensure MemoryLedgerStore implements the store interfaces
var (
	_ interfaces.LedgerStore      = (*MemoryLedgerStore)(nil)
	_ interfaces.ReservationStore = (*MemoryLedgerStore)(nil)
	_ interfaces.OutboxStore      = (*MemoryLedgerStore)(nil)
)
