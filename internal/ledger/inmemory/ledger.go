package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/ledger"
)

// Ledger is an in-memory implementation of ledger.Ledger.
// It is safe for concurrent use. Marks are lost on restart, so it only suits
// tests and single-shot local runs.
type Ledger struct {
	mu    sync.RWMutex
	marks map[string]domain.ProcessedFileMark
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		marks: make(map[string]domain.ProcessedFileMark),
	}
}

// Exists implements ledger.Ledger.
func (l *Ledger) Exists(ctx context.Context, fileID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.marks[fileID]
	return ok, nil
}

// MarkProcessed implements ledger.Ledger.
func (l *Ledger) MarkProcessed(ctx context.Context, mark domain.ProcessedFileMark) error {
	if mark.FileID == "" {
		return &ledger.StorageError{Op: ledger.OpMark, Err: fmt.Errorf("file ID is required")}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.marks[mark.FileID] = mark
	return nil
}

// Get returns the mark for fileID, if any.
func (l *Ledger) Get(fileID string) (domain.ProcessedFileMark, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	mark, ok := l.marks[fileID]
	return mark, ok
}

// Len returns the number of marks.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.marks)
}

// Ensure Ledger implements ledger.Ledger.
var _ ledger.Ledger = (*Ledger)(nil)
