package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/config"
	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/shopspring/decimal"
)

// CSV column names.
const (
	ColTransactionID   = "transaction_id"
	ColTransactionType = "transaction_type"
	ColAmount          = "amount"
	ColTimestamp       = "timestamp"
	ColCustomerID      = "customer_id"
	ColMetadata        = "metadata"
)

var (
	errMissingRequired = errors.New("required field missing or blank")
	errNegativeAmount  = errors.New("negative amount")
)

// RecordStep is one stage a CSV row goes through.
type RecordStep interface {
	Execute(ctx context.Context, state *RecordState) error
}

// RecordState holds what the steps learn about one row.
type RecordState struct {
	SourceFileID string
	Raw          map[string]string
	Rules        config.ProcessingRules
	Now          time.Time
	Transaction  *domain.Transaction
	Event        *domain.TransactionEvent
}

// Rejection routes a row to quarantine with the given reason.
type Rejection struct {
	Reason domain.RejectionReason
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// ParseStep builds a Transaction from the raw columns. Columns are read in
// a fixed order so the first problem found decides the reason.
type ParseStep struct{}

func (s *ParseStep) Execute(ctx context.Context, state *RecordState) error {
	raw := state.Raw

	id, err := column(raw, ColTransactionID)
	if err != nil {
		return err
	}
	txType, err := column(raw, ColTransactionType)
	if err != nil {
		return err
	}

	amountText, err := column(raw, ColAmount)
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return &Rejection{Reason: domain.AmountFormatError, Err: err}
	}

	tsText, err := column(raw, ColTimestamp)
	if err != nil {
		return err
	}
	ts, err := parseTimestamp(tsText)
	if err != nil {
		return &Rejection{Reason: domain.TimestampFormatError, Err: err}
	}

	customerID, err := column(raw, ColCustomerID)
	if err != nil {
		return err
	}

	state.Transaction = &domain.Transaction{
		TransactionID:   id,
		TransactionType: txType,
		Amount:          amount,
		Timestamp:       ts,
		CustomerID:      customerID,
		Metadata:        parseMetadata(ctx, raw[ColMetadata]),
	}
	return nil
}

func column(raw map[string]string, name string) (string, error) {
	v, ok := raw[name]
	if !ok {
		return "", &Rejection{
			Reason: domain.MissingHeaderOrField,
			Err:    fmt.Errorf("column %q not present in record", name),
		}
	}
	return v, nil
}

// parseMetadata decodes a JSON object column. Non-string values keep their
// JSON text. Any decode failure yields an empty map.
func parseMetadata(ctx context.Context, text string) map[string]string {
	metadata := map[string]string{}
	if strings.TrimSpace(text) == "" {
		return metadata
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("metadata", text).Msg("Failed to parse metadata JSON, using empty metadata")
		return metadata
	}

	for k, v := range fields {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			metadata[k] = s
			continue
		}
		metadata[k] = string(v)
	}
	return metadata
}

// ValidateStep enforces the required-field and sign rules.
type ValidateStep struct{}

func (s *ValidateStep) Execute(ctx context.Context, state *RecordState) error {
	tx := state.Transaction
	log := logger.FromContext(ctx)

	if isBlank(tx.TransactionID) || isBlank(tx.TransactionType) || isBlank(tx.CustomerID) {
		log.Warn().Str("transaction_id", tx.TransactionID).Msg("Validation failed: required field missing")
		return &Rejection{Reason: domain.ValidationFailed, Err: errMissingRequired}
	}

	if tx.Amount.Sign() < 0 && state.Rules.RejectNegativeAmounts {
		log.Warn().Str("transaction_id", tx.TransactionID).Str("amount", tx.Amount.String()).Msg("Validation failed: negative amount")
		return &Rejection{Reason: domain.ValidationFailed, Err: errNegativeAmount}
	}
	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// TransformStep derives the outbound event.
type TransformStep struct{}

func (s *TransformStep) Execute(ctx context.Context, state *RecordState) error {
	state.Event = domain.NewTransactionEvent(state.Transaction, state.SourceFileID, state.Now)
	return nil
}

// RecordPipeline runs record steps in order and stops at the first error.
type RecordPipeline struct {
	steps []RecordStep
}

// NewRecordPipeline creates a pipeline with the given steps.
func NewRecordPipeline(steps ...RecordStep) *RecordPipeline {
	return &RecordPipeline{steps: steps}
}

// NewTransactionPipeline is the standard parse, validate, transform sequence.
func NewTransactionPipeline() *RecordPipeline {
	return NewRecordPipeline(
		&ParseStep{},
		&ValidateStep{},
		&TransformStep{},
	)
}

// Execute runs all steps sequentially.
func (p *RecordPipeline) Execute(ctx context.Context, state *RecordState) error {
	for _, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// timestampLayouts are the ISO-8601 forms accepted in the timestamp column.
// Seconds may be omitted; a zone designator is always required.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
}

func parseTimestamp(text string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, text)
		if err == nil {
			return ts, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
