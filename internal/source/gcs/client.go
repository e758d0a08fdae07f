// Package gcs implements source.Client over a Cloud Storage prefix.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/source"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Client lists CSV objects under one prefix of a bucket.
//
// File IDs have the form "<object name>#<generation>", so overwriting an
// object with new content yields a new ID.
type Client struct {
	client        *storage.Client
	bucket        string
	prefix        string
	archivePrefix string
}

// NewClient creates a Cloud Storage source. An empty archivePrefix makes
// Retire delete objects instead of moving them.
func NewClient(ctx context.Context, bucket, prefix, archivePrefix string, opts ...option.ClientOption) (*Client, error) {
	if bucket == "" {
		return nil, fmt.Errorf("NewClient: bucket is required")
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewClient: create storage client: %w", err)
	}

	return &Client{
		client:        client,
		bucket:        bucket,
		prefix:        prefix,
		archivePrefix: archivePrefix,
	}, nil
}

// Close closes the underlying storage client.
func (c *Client) Close() error {
	return c.client.Close()
}

// ListCandidates implements source.Client.
func (c *Client) ListCandidates(ctx context.Context) ([]domain.FileDescriptor, error) {
	it := c.client.Bucket(c.bucket).Objects(ctx, &storage.Query{Prefix: c.prefix})

	var files []domain.FileDescriptor
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListCandidates: listing gs://%s/%s: %w", c.bucket, c.prefix, err)
		}
		if !c.isCandidate(attrs.Name, attrs.ContentType) {
			continue
		}
		files = append(files, domain.FileDescriptor{
			ID:         FileID(attrs.Name, attrs.Generation),
			Name:       path.Base(attrs.Name),
			ModifiedAt: attrs.Updated,
		})
	}

	return files, nil
}

// Download implements source.Client.
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	name, gen, err := ParseFileID(fileID)
	if err != nil {
		return nil, fmt.Errorf("Download: %w", err)
	}

	r, err := c.client.Bucket(c.bucket).Object(name).Generation(gen).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("Download: %s: %w", fileID, source.ErrNotFound)
		}
		return nil, fmt.Errorf("Download: open GCS object reader: %w", err)
	}
	return r, nil
}

// Retire implements source.Client by copying the object under the archive
// prefix and deleting the original generation.
func (c *Client) Retire(ctx context.Context, fileID string) error {
	name, gen, err := ParseFileID(fileID)
	if err != nil {
		return fmt.Errorf("Retire: %w", err)
	}

	bkt := c.client.Bucket(c.bucket)
	src := bkt.Object(name).Generation(gen)

	if c.archivePrefix != "" {
		dst := bkt.Object(ArchiveName(c.prefix, c.archivePrefix, name))
		if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return fmt.Errorf("Retire: %s: %w", fileID, source.ErrNotFound)
			}
			return fmt.Errorf("Retire: copy to archive: %w", err)
		}
	}

	if err := src.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("Retire: %s: %w", fileID, source.ErrNotFound)
		}
		return fmt.Errorf("Retire: delete original: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Debug().Str("file_id", fileID).Msg("Retired source object")
	return nil
}

// isCandidate accepts CSV objects that are not directory placeholders or
// already archived.
func (c *Client) isCandidate(name, contentType string) bool {
	if strings.HasSuffix(name, "/") {
		return false
	}
	if c.archivePrefix != "" && strings.HasPrefix(name, c.archivePrefix) {
		return false
	}
	return strings.EqualFold(path.Ext(name), ".csv") || strings.HasPrefix(contentType, "text/csv")
}

// FileID joins an object name and generation into a source file ID.
func FileID(name string, generation int64) string {
	return name + "#" + strconv.FormatInt(generation, 10)
}

// ParseFileID splits a file ID produced by FileID.
func ParseFileID(id string) (string, int64, error) {
	i := strings.LastIndex(id, "#")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("invalid file ID %q", id)
	}
	gen, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid generation in file ID %q: %w", id, err)
	}
	return id[:i], gen, nil
}

// ArchiveName maps an object under prefix to its place under archivePrefix.
// e.g. ("incoming/", "archive/", "incoming/2024/a.csv") -> "archive/2024/a.csv"
func ArchiveName(prefix, archivePrefix, name string) string {
	return archivePrefix + strings.TrimPrefix(name, prefix)
}

// Ensure Client implements source.Client.
var _ source.Client = (*Client)(nil)
