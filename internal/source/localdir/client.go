// Package localdir implements source.Client over a local directory.
package localdir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/source"
)

// Client treats every *.csv file directly inside dir as a candidate. A
// file's ID is the SHA-256 of its content, so renaming a file does not make
// it new and identical content dropped twice is ingested once. Files sharing
// content are listed as one candidate and retired together.
type Client struct {
	dir          string
	processedDir string

	mu    sync.Mutex
	paths map[string][]string
}

// NewClient creates a local directory source. Retired files are moved to
// processedDir.
func NewClient(dir, processedDir string) *Client {
	return &Client{
		dir:          dir,
		processedDir: processedDir,
		paths:        make(map[string][]string),
	}
}

// ListCandidates implements source.Client.
func (c *Client) ListCandidates(ctx context.Context) ([]domain.FileDescriptor, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("ListCandidates: reading %s: %w", c.dir, err)
	}

	log := logger.FromContext(ctx)

	paths := make(map[string][]string)
	var files []domain.FileDescriptor
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}

		p := filepath.Join(c.dir, entry.Name())
		sum, err := checksum(p)
		if err != nil {
			return nil, fmt.Errorf("ListCandidates: %w", err)
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("ListCandidates: stat %s: %w", p, err)
		}

		if dups, ok := paths[sum]; ok {
			log.Warn().Str("file_id", sum).Str("path", p).Str("duplicate_of", dups[0]).Msg("Duplicate file content, listing it once")
			paths[sum] = append(dups, p)
			continue
		}

		paths[sum] = []string{p}
		files = append(files, domain.FileDescriptor{
			ID:         sum,
			Name:       entry.Name(),
			ModifiedAt: info.ModTime(),
		})
	}

	c.mu.Lock()
	c.paths = paths
	c.mu.Unlock()

	return files, nil
}

// Download implements source.Client. Only IDs returned by the latest
// ListCandidates call are known.
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	ps, err := c.lookup(fileID)
	if err != nil {
		return nil, fmt.Errorf("Download: %w", err)
	}

	p := ps[0]
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Download: %s: %w", p, source.ErrNotFound)
		}
		return nil, fmt.Errorf("Download: open %q: %w", p, err)
	}
	return f, nil
}

// Retire implements source.Client by moving the file, and any file with the
// same content, to the processed dir.
func (c *Client) Retire(ctx context.Context, fileID string) error {
	ps, err := c.lookup(fileID)
	if err != nil {
		return fmt.Errorf("Retire: %w", err)
	}

	for _, p := range ps {
		if err := moveFile(p, c.processedDir); err != nil {
			return fmt.Errorf("Retire: %w", err)
		}
	}

	c.mu.Lock()
	delete(c.paths, fileID)
	c.mu.Unlock()
	return nil
}

func (c *Client) lookup(fileID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.paths[fileID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", fileID, source.ErrNotFound)
	}
	return ps, nil
}

func checksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", p, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func moveFile(filePath, processedDir string) error {
	if err := os.MkdirAll(processedDir, 0o750); err != nil {
		return fmt.Errorf("create processed directory %q: %w", processedDir, err)
	}

	newPath := filepath.Join(processedDir, filepath.Base(filePath))
	if err := os.Rename(filePath, newPath); err != nil {
		return fmt.Errorf("move %q to %q: %w", filePath, newPath, err)
	}
	return nil
}

// Ensure Client implements source.Client.
var _ source.Client = (*Client)(nil)
