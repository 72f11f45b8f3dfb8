package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sheikh-saqib/wallet-ledger/internal/index"
	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

const (
	accountsCollection     = "accounts"
	transactionsCollection = "transactions"

	connectTimeout = 10 * time.Second
)

// MongoIndexStore keeps account and transaction documents in two collections.
// Document ids are the account and transaction ids.
type MongoIndexStore struct {
	accounts     *mongo.Collection
	transactions *mongo.Collection
}

// Connect opens a client and verifies it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func NewMongoIndexStore(db *mongo.Database) *MongoIndexStore {
	return &MongoIndexStore{
		accounts:     db.Collection(accountsCollection),
		transactions: db.Collection(transactionsCollection),
	}
}

// EnsureIndexes creates the index that backs Search. It is safe to call on
// every start.
func (s *MongoIndexStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "accountId", Value: 1}, {Key: "occurredAt", Value: -1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("account_occurred_at"),
		},
		{
			Keys:    bson.D{{Key: "occurredAt", Value: -1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("occurred_at"),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

// UpsertAccount replaces the document only when the stored version is lower.
// When the stored version is not lower the filter misses, the upsert tries to
// insert a second document with the same _id and fails with a duplicate key,
// which is reported as a stale write.
func (s *MongoIndexStore) UpsertAccount(ctx context.Context, doc models.AccountDocument) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: doc.AccountID},
		{Key: "version", Value: bson.D{{Key: "$lt", Value: doc.Version}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "currency", Value: doc.Currency},
		{Key: "balance", Value: doc.Balance},
		{Key: "displayBalance", Value: doc.DisplayBalance},
		{Key: "version", Value: doc.Version},
		{Key: "lastAppliedEventId", Value: doc.LastAppliedEventID},
		{Key: "updatedAt", Value: doc.UpdatedAt},
	}}}

	_, err := s.accounts.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert account %s: %w", doc.AccountID, err)
	}
	return true, nil
}

// UpsertTransaction inserts the document if it is absent and leaves an
// existing one untouched.
func (s *MongoIndexStore) UpsertTransaction(ctx context.Context, doc models.TransactionDocument) error {
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "accountId", Value: doc.AccountID},
		{Key: "currency", Value: doc.Currency},
		{Key: "kind", Value: doc.Kind},
		{Key: "amount", Value: doc.Amount},
		{Key: "displayAmount", Value: doc.DisplayAmount},
		{Key: "resultingBalance", Value: doc.ResultingBalance},
		{Key: "displayResultingBalance", Value: doc.DisplayResultingBalance},
		{Key: "version", Value: doc.Version},
		{Key: "lastAppliedEventId", Value: doc.LastAppliedEventID},
		{Key: "occurredAt", Value: doc.OccurredAt},
	}}}

	_, err := s.transactions.UpdateOne(ctx, bson.D{{Key: "_id", Value: doc.TransactionID}}, update, options.Update().SetUpsert(true))
	// two concurrent upserts of the same id: the loser sees a duplicate key
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("upsert transaction %s: %w", doc.TransactionID, err)
	}
	return nil
}

func (s *MongoIndexStore) GetAccount(ctx context.Context, accountID string) (models.AccountDocument, error) {
	var doc models.AccountDocument
	err := s.accounts.FindOne(ctx, bson.D{{Key: "_id", Value: accountID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.AccountDocument{}, index.ErrDocumentNotFound
	}
	if err != nil {
		return models.AccountDocument{}, fmt.Errorf("get account document: %w", err)
	}
	return doc, nil
}

func (s *MongoIndexStore) GetTransaction(ctx context.Context, transactionID string) (models.TransactionDocument, error) {
	var doc models.TransactionDocument
	err := s.transactions.FindOne(ctx, bson.D{{Key: "_id", Value: transactionID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.TransactionDocument{}, index.ErrDocumentNotFound
	}
	if err != nil {
		return models.TransactionDocument{}, fmt.Errorf("get transaction document: %w", err)
	}
	return doc, nil
}

// Search streams matching documents from a cursor, newest first.
func (s *MongoIndexStore) Search(ctx context.Context, q models.SearchQuery) iter.Seq2[models.TransactionDocument, error] {
	return func(yield func(models.TransactionDocument, error) bool) {
		opts := options.Find().
			SetSort(bson.D{{Key: "occurredAt", Value: -1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(index.Limit(q)))

		cursor, err := s.transactions.Find(ctx, searchFilter(q), opts)
		if err != nil {
			yield(models.TransactionDocument{}, fmt.Errorf("search transactions: %w", err))
			return
		}
		defer cursor.Close(context.WithoutCancel(ctx))

		for cursor.Next(ctx) {
			var doc models.TransactionDocument
			if err := cursor.Decode(&doc); err != nil {
				yield(models.TransactionDocument{}, fmt.Errorf("decode transaction document: %w", err))
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(models.TransactionDocument{}, fmt.Errorf("search cursor: %w", err))
		}
	}
}

func searchFilter(q models.SearchQuery) bson.D {
	filter := bson.D{}
	if q.AccountID != "" {
		filter = append(filter, bson.E{Key: "accountId", Value: q.AccountID})
	}
	if q.Currency != "" {
		filter = append(filter, bson.E{Key: "currency", Value: models.NormalizeCurrency(q.Currency)})
	}
	if q.Kind != "" {
		filter = append(filter, bson.E{Key: "kind", Value: q.Kind})
	}

	occurred := bson.D{}
	if !q.From.IsZero() {
		occurred = append(occurred, bson.E{Key: "$gte", Value: q.From})
	}
	if !q.To.IsZero() {
		occurred = append(occurred, bson.E{Key: "$lt", Value: q.To})
	}
	if len(occurred) > 0 {
		filter = append(filter, bson.E{Key: "occurredAt", Value: occurred})
	}
	return filter
}

var _ interfaces.IndexStore = (*MongoIndexStore)(nil)
