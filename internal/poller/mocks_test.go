package poller_test

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/pipeline"
)

// MockSource is a mock implementation of source.Client for testing.
type MockSource struct {
	ListFunc     func(ctx context.Context) ([]domain.FileDescriptor, error)
	DownloadFunc func(ctx context.Context, fileID string) (io.ReadCloser, error)
	RetireFunc   func(ctx context.Context, fileID string) error

	mu        sync.Mutex
	Downloads []string
	Retired   []string
}

func (m *MockSource) ListCandidates(ctx context.Context) ([]domain.FileDescriptor, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return nil, nil
}

func (m *MockSource) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.Downloads = append(m.Downloads, fileID)
	m.mu.Unlock()
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, fileID)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *MockSource) Retire(ctx context.Context, fileID string) error {
	if m.RetireFunc != nil {
		if err := m.RetireFunc(ctx, fileID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Retired = append(m.Retired, fileID)
	m.mu.Unlock()
	return nil
}

// MockLedger is a mock implementation of ledger.Ledger for testing.
type MockLedger struct {
	ExistsFunc        func(ctx context.Context, fileID string) (bool, error)
	MarkProcessedFunc func(ctx context.Context, mark domain.ProcessedFileMark) error

	mu    sync.Mutex
	Marks []domain.ProcessedFileMark
}

func (m *MockLedger) Exists(ctx context.Context, fileID string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, fileID)
	}
	return false, nil
}

func (m *MockLedger) MarkProcessed(ctx context.Context, mark domain.ProcessedFileMark) error {
	if m.MarkProcessedFunc != nil {
		if err := m.MarkProcessedFunc(ctx, mark); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Marks = append(m.Marks, mark)
	m.mu.Unlock()
	return nil
}

// MockProcessor is a mock implementation of poller.FileProcessor for testing.
type MockProcessor struct {
	ProcessFunc func(ctx context.Context, sourceFileID, fileName string, r io.Reader) (pipeline.Result, error)
}

func (m *MockProcessor) Process(ctx context.Context, sourceFileID, fileName string, r io.Reader) (pipeline.Result, error) {
	if m.ProcessFunc != nil {
		return m.ProcessFunc(ctx, sourceFileID, fileName, r)
	}
	_, err := io.Copy(io.Discard, r)
	return pipeline.Result{}, err
}

// trackingCloser records whether Close was called.
type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}
