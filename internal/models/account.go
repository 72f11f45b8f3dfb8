package models

import "time"

// AccountStatus is the lifecycle flag of an account. Accounts are never
// deleted, only closed.
type AccountStatus string

const (
	AccountOpen   AccountStatus = "OPEN"
	AccountClosed AccountStatus = "CLOSED"
)

// Account holds the authoritative balance of a wallet
type Account struct {
	ID        string        // opaque, unique
	Balance   int64         // minor currency units, never negative
	Version   int64         // incremented on every applied mutation
	Currency  string        // ISO-4217 code, fixed at creation
	Status    AccountStatus // OPEN or CLOSED
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOpen reports whether the account still accepts mutations.
func (a Account) IsOpen() bool {
	return a.Status == AccountOpen
}

// Mutation is a version-conditioned balance change for one transaction.
type Mutation struct {
	AccountID       string
	ExpectedVersion int64
	Delta           int64
	TransactionID   string
}
