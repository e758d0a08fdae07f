// Package source defines the client for the remote location that CSV
// batches are dropped into.
package source

import (
	"context"
	"errors"
	"io"

	"github.com/dvloznov/transaction-ingest/internal/domain"
)

// ErrNotFound is returned by Download or Retire for an unknown file ID.
var ErrNotFound = errors.New("source file not found")

// Client lists, streams and retires source files at one configured
// location. Implementations filter listings to CSV content themselves.
type Client interface {
	// ListCandidates returns the files currently waiting at the location.
	ListCandidates(ctx context.Context) ([]domain.FileDescriptor, error)

	// Download opens the content of fileID. The caller closes the reader.
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)

	// Retire removes fileID from the pollable set by archiving or trashing it.
	Retire(ctx context.Context, fileID string) error
}
