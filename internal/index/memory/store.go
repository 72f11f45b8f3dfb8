package memory

import (
	"context"
	"iter"
	"sync"

	"github.com/sheikh-saqib/wallet-ledger/internal/index"
	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

// MemoryIndexStore keeps projected documents in maps. Search works on a
// snapshot taken when iteration starts.
type MemoryIndexStore struct {
	mu           sync.RWMutex
	accounts     map[string]models.AccountDocument
	transactions map[string]models.TransactionDocument
}

func NewMemoryIndexStore() *MemoryIndexStore {
	return &MemoryIndexStore{
		accounts:     make(map[string]models.AccountDocument),
		transactions: make(map[string]models.TransactionDocument),
	}
}

func (s *MemoryIndexStore) UpsertAccount(ctx context.Context, doc models.AccountDocument) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.accounts[doc.AccountID]; ok && existing.Version >= doc.Version {
		return false, nil
	}
	s.accounts[doc.AccountID] = doc
	return true, nil
}

func (s *MemoryIndexStore) UpsertTransaction(ctx context.Context, doc models.TransactionDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[doc.TransactionID]; !ok {
		s.transactions[doc.TransactionID] = doc
	}
	return nil
}

func (s *MemoryIndexStore) GetAccount(ctx context.Context, accountID string) (models.AccountDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.accounts[accountID]
	if !ok {
		return models.AccountDocument{}, index.ErrDocumentNotFound
	}
	return doc, nil
}

func (s *MemoryIndexStore) GetTransaction(ctx context.Context, transactionID string) (models.TransactionDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.transactions[transactionID]
	if !ok {
		return models.TransactionDocument{}, index.ErrDocumentNotFound
	}
	return doc, nil
}

func (s *MemoryIndexStore) Search(ctx context.Context, q models.SearchQuery) iter.Seq2[models.TransactionDocument, error] {
	return func(yield func(models.TransactionDocument, error) bool) {
		s.mu.RLock()
		var matched []models.TransactionDocument
		for _, doc := range s.transactions {
			if index.Matches(q, doc) {
				matched = append(matched, doc)
			}
		}
		s.mu.RUnlock()

		index.SortNewestFirst(matched)

		for i, doc := range matched {
			if i == index.Limit(q) {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(models.TransactionDocument{}, err)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

var _ interfaces.IndexStore = (*MemoryIndexStore)(nil)
