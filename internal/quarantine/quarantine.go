// Package quarantine stores rejected records as JSON artifacts.
package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/dvloznov/transaction-ingest/internal/blob"
	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/google/uuid"
)

// ContentType of every quarantine artifact.
const ContentType = "application/json"

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "rejected"

// Sink durably stores rejected records.
type Sink interface {
	Store(ctx context.Context, rec domain.RejectedRecord) error
}

// ObjectKey builds "<prefix>/<sourceFileID>/<name without extension>_<id>.json".
func ObjectKey(prefix, sourceFileID, fileName string, id uuid.UUID) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	base := path.Base(fileName)
	base = strings.TrimSuffix(base, path.Ext(base))
	return fmt.Sprintf("%s/%s/%s_%s.json", strings.TrimSuffix(prefix, "/"), sourceFileID, base, id)
}

// BlobSink writes each rejected record to its own object in a blob.Store.
type BlobSink struct {
	store  blob.Store
	prefix string
	newID  func() uuid.UUID
}

// NewBlobSink creates a sink over store. A nil store means quarantine is not
// configured: Store logs and drops the record.
func NewBlobSink(store blob.Store, prefix string) *BlobSink {
	return &BlobSink{
		store:  store,
		prefix: prefix,
		newID:  uuid.New,
	}
}

// Store implements Sink.
func (s *BlobSink) Store(ctx context.Context, rec domain.RejectedRecord) error {
	log := logger.FromContext(ctx)

	if s.store == nil {
		log.Warn().
			Str("file_id", rec.SourceFileID).
			Str("reason", rec.Reason.String()).
			Msg("Quarantine location not configured, skipping rejected record")
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("Store: encoding rejected record: %w", err)
	}

	key := ObjectKey(s.prefix, rec.SourceFileID, rec.OriginalFileName, s.newID())
	if err := s.store.Put(ctx, key, ContentType, data); err != nil {
		return fmt.Errorf("Store: %w", err)
	}

	log.Debug().Str("key", key).Str("reason", rec.Reason.String()).Msg("Quarantined record")
	return nil
}

// Ensure BlobSink implements Sink.
var _ Sink = (*BlobSink)(nil)
