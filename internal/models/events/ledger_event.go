package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

// LedgerEventType is the logical type carried in transport headers.
const LedgerEventType = "ledger.transaction.applied"

// ErrMalformedEvent is returned when a payload cannot be decoded into a usable event.
var ErrMalformedEvent = errors.New("malformed ledger event")

// LedgerEvent is emitted exactly once for every applied transaction.
// EventID equals the transaction id and is the only dedup key downstream.
type LedgerEvent struct {
	EventID          string    `json:"eventId"`
	AccountID        string    `json:"accountId"`
	Amount           int64     `json:"amount"`
	ResultingBalance int64     `json:"resultingBalance"`
	OccurredAt       time.Time `json:"occurredAt"`
	Version          int64     `json:"version,omitempty"`
	Currency         string    `json:"currency,omitempty"`
}

// NewLedgerEvent derives the event for an applied transaction.
func NewLedgerEvent(tx models.Transaction, currency string) LedgerEvent {
	return LedgerEvent{
		EventID:          tx.ID,
		AccountID:        tx.AccountID,
		Amount:           tx.Amount,
		ResultingBalance: tx.ResultingBalance,
		OccurredAt:       tx.UpdatedAt.UTC(),
		Version:          tx.Version,
		Currency:         currency,
	}
}

// Validate checks the fields a consumer relies on.
func (e LedgerEvent) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: missing eventId", ErrMalformedEvent)
	case e.AccountID == "":
		return fmt.Errorf("%w: missing accountId", ErrMalformedEvent)
	case e.Amount == 0:
		return fmt.Errorf("%w: zero amount", ErrMalformedEvent)
	case e.ResultingBalance < 0:
		return fmt.Errorf("%w: negative resultingBalance", ErrMalformedEvent)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: missing occurredAt", ErrMalformedEvent)
	}
	return nil
}

// Encode serializes the event as a flat JSON record.
func Encode(e LedgerEvent) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a queue payload. Unknown fields are ignored.
func Decode(data []byte) (LedgerEvent, error) {
	var e LedgerEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return LedgerEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return LedgerEvent{}, err
	}
	return e, nil
}
