package models

import "time"

// TransactionStatus is the state of a transaction record.
// A transaction is immutable once it leaves PENDING.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionApplied  TransactionStatus = "APPLIED"
	TransactionRejected TransactionStatus = "REJECTED"
)

// Transaction represents a request to move money in or out of one account
type Transaction struct {
	ID               string // generated, doubles as the ledger event id
	RequestKey       string // client supplied, unique per account
	AccountID        string
	Amount           int64 // positive = credit, negative = debit
	ResultingBalance int64 // balance snapshot after applying, zero unless APPLIED
	Version          int64 // account version produced by this transaction, zero unless APPLIED
	Status           TransactionStatus
	RejectReason     string
	LeaseExpiresAt   time.Time // idempotency reservation lease while PENDING
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsFinal reports whether the transaction reached a terminal status.
func (t Transaction) IsFinal() bool {
	return t.Status == TransactionApplied || t.Status == TransactionRejected
}

// OutboxRecord is a ledger event waiting to be relayed to the event queue.
// It is written in the same unit of work as the mutation that produced it.
type OutboxRecord struct {
	EventID   string
	AccountID string
	Payload   []byte
	Published bool
	// DeadLettered rows gave up after too many failed publishes and are no
	// longer listed as pending.
	DeadLettered bool
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	PublishedAt  *time.Time
}
