package mongo

import (
	"context"

	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/ledger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Ledger stores processed-file marks as documents keyed by _id = file ID.
type Ledger struct {
	collection DataStore
}

// NewLedger creates a ledger over the named collection.
func NewLedger(provider CollectionProvider, collection string) *Ledger {
	return &Ledger{collection: provider.Collection(collection)}
}

// Exists implements ledger.Ledger.
func (l *Ledger) Exists(ctx context.Context, fileID string) (bool, error) {
	n, err := l.collection.CountDocuments(ctx, bson.M{"_id": fileID}, options.Count().SetLimit(1))
	if err != nil {
		return false, &ledger.StorageError{Op: ledger.OpExists, FileID: fileID, Err: err}
	}
	return n > 0, nil
}

// MarkProcessed implements ledger.Ledger as an upserting replace.
func (l *Ledger) MarkProcessed(ctx context.Context, mark domain.ProcessedFileMark) error {
	mark.ProcessedTimestamp = mark.ProcessedTimestamp.UTC()

	_, err := l.collection.ReplaceOne(ctx,
		bson.M{"_id": mark.FileID},
		mark,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return &ledger.StorageError{Op: ledger.OpMark, FileID: mark.FileID, Err: err}
	}
	return nil
}

// Ensure Ledger implements ledger.Ledger.
var _ ledger.Ledger = (*Ledger)(nil)
