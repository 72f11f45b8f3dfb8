// Package index holds what the index store implementations share.
package index

import (
	"errors"
	"slices"
	"strings"

	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

var ErrDocumentNotFound = errors.New("document not found")

// DefaultSearchLimit applies when a query does not set one.
const DefaultSearchLimit = 100

// Matches reports whether doc passes every filter set in q.
func Matches(q models.SearchQuery, doc models.TransactionDocument) bool {
	switch {
	case q.AccountID != "" && doc.AccountID != q.AccountID:
		return false
	case q.Currency != "" && !strings.EqualFold(doc.Currency, q.Currency):
		return false
	case q.Kind != "" && doc.Kind != q.Kind:
		return false
	case !q.From.IsZero() && doc.OccurredAt.Before(q.From):
		return false
	case !q.To.IsZero() && !doc.OccurredAt.Before(q.To):
		return false
	}
	return true
}

// SortNewestFirst orders documents newest first, ties broken by id.
func SortNewestFirst(docs []models.TransactionDocument) {
	slices.SortFunc(docs, func(a, b models.TransactionDocument) int {
		if c := b.OccurredAt.Compare(a.OccurredAt); c != 0 {
			return c
		}
		return strings.Compare(a.TransactionID, b.TransactionID)
	})
}

func Limit(q models.SearchQuery) int {
	if q.Limit > 0 {
		return q.Limit
	}
	return DefaultSearchLimit
}
