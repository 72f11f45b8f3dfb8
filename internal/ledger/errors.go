package ledger

import "errors"

// Errors surfaced to callers of the processor. Infrastructure failures are
// never returned raw; they come back wrapped in ErrTransient.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountClosed       = errors.New("account is closed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateInFlight   = errors.New("a request with this key is already in flight")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransient           = errors.New("transient failure, retry later")
)
