package models

import "time"

// TransactionKind classifies a projected transaction by direction.
type TransactionKind string

const (
	KindCredit TransactionKind = "credit"
	KindDebit  TransactionKind = "debit"
)

// KindOf returns the direction of a signed amount.
func KindOf(amount int64) TransactionKind {
	if amount < 0 {
		return KindDebit
	}
	return KindCredit
}

// AccountDocument is the searchable projection of an account.
// It is eventually consistent with the ledger and never read for balance decisions.
type AccountDocument struct {
	AccountID          string    `json:"accountId" bson:"_id"`
	Currency           string    `json:"currency" bson:"currency"`
	Balance            int64     `json:"balance" bson:"balance"`
	DisplayBalance     string    `json:"displayBalance" bson:"displayBalance"`
	Version            int64     `json:"version" bson:"version"`
	LastAppliedEventID string    `json:"lastAppliedEventId" bson:"lastAppliedEventId"`
	UpdatedAt          time.Time `json:"updatedAt" bson:"updatedAt"`
}

// TransactionDocument is the searchable projection of one applied transaction.
type TransactionDocument struct {
	TransactionID           string          `json:"transactionId" bson:"_id"`
	AccountID               string          `json:"accountId" bson:"accountId"`
	Currency                string          `json:"currency" bson:"currency"`
	Kind                    TransactionKind `json:"kind" bson:"kind"`
	Amount                  int64           `json:"amount" bson:"amount"`
	DisplayAmount           string          `json:"displayAmount" bson:"displayAmount"`
	ResultingBalance        int64           `json:"resultingBalance" bson:"resultingBalance"`
	DisplayResultingBalance string          `json:"displayResultingBalance" bson:"displayResultingBalance"`
	Version                 int64           `json:"version" bson:"version"`
	LastAppliedEventID      string          `json:"lastAppliedEventId" bson:"lastAppliedEventId"`
	OccurredAt              time.Time       `json:"occurredAt" bson:"occurredAt"`
}

// SearchQuery filters projected transactions. Zero values mean "any".
type SearchQuery struct {
	AccountID string
	Currency  string
	Kind      TransactionKind
	From      time.Time
	To        time.Time
	Limit     int
}
