// Package storage holds the errors shared by every LedgerStore implementation.
package storage

import "errors"

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountClosed       = errors.New("account is closed")
	ErrVersionConflict     = errors.New("account version conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionFinal is returned when a terminal transaction would change again.
	ErrTransactionFinal = errors.New("transaction already finalized")
	// ErrTransactionMismatch is returned when a mutation does not match its transaction record.
	ErrTransactionMismatch = errors.New("mutation does not match transaction")

	ErrEventNotFound = errors.New("outbox event not found")
)
