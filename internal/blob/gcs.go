package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

const putTimeout = 2 * time.Minute

// GCSStore writes objects to a Cloud Storage bucket.
type GCSStore struct {
	bucket    string
	newWriter func(ctx context.Context, key, contentType string) io.WriteCloser
}

// NewGCSStore creates a store that writes to bucket through client.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{
		bucket: bucket,
		newWriter: func(ctx context.Context, key, contentType string) io.WriteCloser {
			w := client.Bucket(bucket).Object(key).NewWriter(ctx)
			w.ContentType = contentType
			return w
		},
	}
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	w := s.newWriter(ctx, key, contentType)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy to GCS writer gs://%s/%s: %w", s.bucket, key, err)
	}

	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Ensure GCSStore implements Store.
var _ Store = (*GCSStore)(nil)
