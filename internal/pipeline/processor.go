// Package pipeline turns one CSV batch into published transaction events
// and quarantined rejections.
package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/config"
	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/metrics"
	"github.com/dvloznov/transaction-ingest/internal/quarantine"
	"github.com/dvloznov/transaction-ingest/internal/queue"
)

const utf8BOM = "\ufeff"

// Result counts the outcomes of one Process call. Lost records were valid
// but could not be published; they are in neither Accepted nor Rejected.
type Result struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Lost     int `json:"lost"`
}

// StreamError reports that the content stream itself failed. The file must
// not be marked as processed.
type StreamError struct {
	FileID string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("reading file %s: %v", e.FileID, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Processor ingests CSV batches record by record.
type Processor struct {
	publisher queue.Publisher
	sink      quarantine.Sink
	records   *RecordPipeline
	now       func() time.Time

	mu    sync.RWMutex
	rules config.ProcessingRules
}

// NewProcessor creates a processor publishing to publisher and
// quarantining to sink under the given rules.
func NewProcessor(publisher queue.Publisher, sink quarantine.Sink, rules config.ProcessingRules) *Processor {
	return &Processor{
		publisher: publisher,
		sink:      sink,
		records:   NewTransactionPipeline(),
		now:       time.Now,
		rules:     rules,
	}
}

// Rules returns the rules the next Process call will use.
func (p *Processor) Rules() config.ProcessingRules {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rules
}

// UpdateRules replaces the rules. Calls already in Process keep the rules
// they started with.
func (p *Processor) UpdateRules(rules config.ProcessingRules) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = rules
}

// Process reads r as CSV with a header row and handles every data row in
// order. Per-record problems are counted and quarantined; only a failure
// of the stream itself is returned, as a *StreamError.
func (p *Processor) Process(ctx context.Context, sourceFileID, fileName string, r io.Reader) (Result, error) {
	start := time.Now()
	rules := p.Rules()
	ctx = logger.WithFile(ctx, sourceFileID, fileName)
	log := logger.FromContext(ctx)

	log.Info().Msg("Processing CSV file")
	if rules.EnableBetaFeatures {
		log.Debug().Msg("Beta features enabled for this file")
	}

	var res Result
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		log.Warn().Msg("CSV file is empty")
		return res, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to read CSV header")
		return res, &StreamError{FileID: sourceFileID, Err: err}
	}
	header = normalizeHeader(header)

	for {
		if err := ctx.Err(); err != nil {
			log.Error().Err(err).Int("accepted", res.Accepted).Int("rejected", res.Rejected).Msg("Processing cancelled mid-file")
			return res, &StreamError{FileID: sourceFileID, Err: err}
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				log.Error().Err(err).Int("accepted", res.Accepted).Int("rejected", res.Rejected).Msg("I/O error while reading CSV")
				return res, &StreamError{FileID: sourceFileID, Err: err}
			}
			log.Error().Err(err).Msg("Malformed CSV record")
			p.reject(ctx, rowMap(header, record), domain.UnexpectedError(parseErr), sourceFileID, fileName)
			res.Rejected++
			continue
		}

		if err := p.processRecord(ctx, rowMap(header, record), rules, sourceFileID, fileName, &res); err != nil {
			log.Error().Err(err).Int("accepted", res.Accepted).Int("rejected", res.Rejected).Msg("Processing cancelled mid-file")
			return res, &StreamError{FileID: sourceFileID, Err: err}
		}
	}

	metrics.PipelineFileDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Int("accepted", res.Accepted).
		Int("rejected", res.Rejected).
		Int("lost", res.Lost).
		Msg("Finished processing CSV file")
	return res, nil
}

// processRecord handles one row. It returns an error only when ctx was
// cancelled before the event could be published; the row is then neither
// counted nor quarantined.
func (p *Processor) processRecord(ctx context.Context, raw map[string]string, rules config.ProcessingRules, sourceFileID, fileName string, res *Result) error {
	log := logger.FromContext(ctx)

	state := &RecordState{
		SourceFileID: sourceFileID,
		Raw:          raw,
		Rules:        rules,
		Now:          p.now(),
	}

	if err := p.records.Execute(ctx, state); err != nil {
		reason := domain.UnexpectedError(err)
		var rejection *Rejection
		if errors.As(err, &rejection) {
			reason = rejection.Reason
		}
		log.Warn().Err(err).Str("reason", reason.String()).Interface("record", raw).Msg("Rejected record")
		p.reject(ctx, raw, reason, sourceFileID, fileName)
		res.Rejected++
		return nil
	}

	log = log.With().Str("transaction_id", state.Event.TransactionID).Logger()

	payload, err := queue.EncodeEvent(state.Event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialize event, record lost")
		metrics.PipelineRecords.WithLabelValues(metrics.OutcomeLost).Inc()
		res.Lost++
		return nil
	}

	if err := p.publisher.Publish(ctx, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Error().Err(err).Msg("Failed to publish event, record lost")
		metrics.PipelineRecords.WithLabelValues(metrics.OutcomeLost).Inc()
		res.Lost++
		return nil
	}

	log.Debug().Str("category", state.Event.TransactionCategory).Msg("Published event")
	metrics.PipelineRecords.WithLabelValues(metrics.OutcomeAccepted).Inc()
	res.Accepted++
	return nil
}

// reject quarantines raw. A failed write is logged and otherwise ignored.
func (p *Processor) reject(ctx context.Context, raw map[string]string, reason domain.RejectionReason, sourceFileID, fileName string) {
	metrics.PipelineRecords.WithLabelValues(metrics.OutcomeRejected).Inc()
	metrics.PipelineRejections.WithLabelValues(reason.String()).Inc()

	rec := domain.RejectedRecord{
		Raw:              raw,
		Reason:           reason,
		SourceFileID:     sourceFileID,
		OriginalFileName: fileName,
		RejectedAt:       p.now(),
	}
	if err := p.sink.Store(ctx, rec); err != nil {
		metrics.PipelineQuarantineErrors.Inc()
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("reason", reason.String()).Msg("Failed to quarantine rejected record")
	}
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

// rowMap pairs header names with trimmed values. Columns past the end of a
// short record are absent; values past the end of the header are dropped.
func rowMap(header, record []string) map[string]string {
	raw := make(map[string]string, len(header))
	for i, name := range header {
		if i >= len(record) {
			break
		}
		if _, dup := raw[name]; dup {
			continue
		}
		raw[name] = strings.TrimSpace(record[i])
	}
	return raw
}
