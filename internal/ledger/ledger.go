// Package ledger defines the dedup ledger: the durable record of which
// source files have been fully ingested.
//
// Exists and MarkProcessed are not coupled transactionally. Two pollers that
// both see Exists == false for the same file before either marks it will
// both ingest it; downstream consumers must tolerate the duplicates (they
// can dedup by transactionId). Locks or leases are deliberately absent.
package ledger

import (
	"context"
	"fmt"

	"github.com/dvloznov/transaction-ingest/internal/domain"
)

// Ledger records fully ingested source files.
type Ledger interface {
	// Exists reports whether a mark for fileID is present. It reflects every
	// mark previously committed through the same instance.
	Exists(ctx context.Context, fileID string) (bool, error)

	// MarkProcessed upserts mark keyed by FileID. Repeating it is harmless.
	// An unreachable store yields a *StorageError.
	MarkProcessed(ctx context.Context, mark domain.ProcessedFileMark) error
}

// StorageError reports a failure of the backing store.
type StorageError struct {
	Op     string
	FileID string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.FileID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Operation names used in StorageError.Op.
const (
	OpExists = "exists"
	OpMark   = "mark"
)
