// Package archive is the downstream side of the event queue: every consumed
// TransactionEvent is stamped and stored as one JSON object.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/dvloznov/transaction-ingest/internal/blob"
	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/metrics"
	"github.com/dvloznov/transaction-ingest/internal/queue"
)

const (
	KeyPrefix       = "processed-transactions"
	StatusProcessed = "PROCESSED"
	OriginalSource  = "queue-consumer"
	ContentType     = "application/json"
)

// Metric result labels.
const (
	resultStored  = "stored"
	resultFailed  = "failed"
	resultDropped = "dropped"
)

// ObjectKey returns processed-transactions/yyyy/MM/dd/<transactionId>.json,
// dated by the transaction timestamp in UTC.
func ObjectKey(ev *domain.TransactionEvent) string {
	return path.Join(KeyPrefix, ev.Timestamp.UTC().Format("2006/01/02"), ev.TransactionID+".json")
}

// Document renders the stored form: the wire event plus status and
// originalSource.
func Document(ev *domain.TransactionEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["status"], _ = json.Marshal(StatusProcessed)
	fields["originalSource"], _ = json.Marshal(OriginalSource)

	return json.Marshal(fields)
}

// Handler stores consumed events in a blob store.
type Handler struct {
	store blob.Store
}

func NewHandler(store blob.Store) *Handler {
	return &Handler{store: store}
}

// Handle matches queue.Handler. A payload that does not decode is dropped
// since redelivery cannot fix it; a store failure is returned so the queue
// redelivers.
func (h *Handler) Handle(ctx context.Context, msg *queue.Message) error {
	log := logger.FromContext(ctx).With().Str("message_id", msg.ID).Int("attempt", msg.Attempt).Logger()

	ev, err := queue.DecodeEvent(msg.Payload)
	if err != nil {
		metrics.ArchiveEvents.WithLabelValues(resultDropped).Inc()
		log.Error().Err(err).Msg("Dropping undecodable event")
		return nil
	}
	log = log.With().Str("transaction_id", ev.TransactionID).Logger()

	doc, err := Document(ev)
	if err != nil {
		metrics.ArchiveEvents.WithLabelValues(resultFailed).Inc()
		return fmt.Errorf("Handle: rendering event %s: %w", ev.TransactionID, err)
	}

	key := ObjectKey(ev)
	if err := h.store.Put(ctx, key, ContentType, doc); err != nil {
		metrics.ArchiveEvents.WithLabelValues(resultFailed).Inc()
		log.Error().Err(err).Str("key", key).Msg("Failed to store event")
		return fmt.Errorf("Handle: storing event %s: %w", ev.TransactionID, err)
	}

	metrics.ArchiveEvents.WithLabelValues(resultStored).Inc()
	log.Info().Str("key", key).Msg("Event archived")
	return nil
}
