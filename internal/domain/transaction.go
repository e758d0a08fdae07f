package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction category labels derived from the sign of the amount.
const (
	CategoryCredit = "CREDIT"
	CategoryDebit  = "DEBIT"
)

// Transaction is one typed CSV row. The pipeline only materializes it after
// every column parsed successfully.
type Transaction struct {
	TransactionID   string
	TransactionType string
	Amount          decimal.Decimal
	Timestamp       time.Time
	CustomerID      string
	Metadata        map[string]string
}

// TransactionEvent is the enriched outbound form of an accepted Transaction.
// Build it with NewTransactionEvent; fields are not changed afterwards.
type TransactionEvent struct {
	TransactionID       string
	TransactionType     string
	Amount              decimal.Decimal
	Timestamp           time.Time
	CustomerID          string
	Metadata            map[string]string
	ProcessingTimestamp time.Time
	TransactionCategory string
	SourceFileID        string
}

// Category returns CREDIT when amount >= 0 and DEBIT otherwise.
func Category(amount decimal.Decimal) string {
	if amount.Sign() >= 0 {
		return CategoryCredit
	}
	return CategoryDebit
}

// NewTransactionEvent enriches tx with its category, the processing time and
// the id of the file it came from.
func NewTransactionEvent(tx *Transaction, sourceFileID string, processedAt time.Time) *TransactionEvent {
	metadata := make(map[string]string, len(tx.Metadata))
	for k, v := range tx.Metadata {
		metadata[k] = v
	}

	return &TransactionEvent{
		TransactionID:       tx.TransactionID,
		TransactionType:     tx.TransactionType,
		Amount:              tx.Amount,
		Timestamp:           tx.Timestamp,
		CustomerID:          tx.CustomerID,
		Metadata:            metadata,
		ProcessingTimestamp: processedAt,
		TransactionCategory: Category(tx.Amount),
		SourceFileID:        sourceFileID,
	}
}

// eventWire is the queue schema. Field names are lower camel case no matter
// how the source CSV names its columns.
type eventWire struct {
	TransactionID        string            `json:"transactionId"`
	TransactionType      string            `json:"transactionType"`
	TransactionAmount    json.Number       `json:"transactionAmount"`
	TransactionTimestamp string            `json:"transactionTimestamp"`
	CustomerIdentifier   string            `json:"customerIdentifier"`
	TransactionMetadata  map[string]string `json:"transactionMetadata"`
	ProcessingTimestamp  string            `json:"processingTimestamp"`
	TransactionCategory  string            `json:"transactionCategory"`
	SourceFileID         string            `json:"sourceFileId"`
}

// MarshalJSON encodes the event with its scale-preserving amount and
// RFC 3339 UTC timestamps.
func (e TransactionEvent) MarshalJSON() ([]byte, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	return json.Marshal(eventWire{
		TransactionID:        e.TransactionID,
		TransactionType:      e.TransactionType,
		TransactionAmount:    json.Number(FormatAmount(e.Amount)),
		TransactionTimestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		CustomerIdentifier:   e.CustomerID,
		TransactionMetadata:  metadata,
		ProcessingTimestamp:  e.ProcessingTimestamp.UTC().Format(time.RFC3339Nano),
		TransactionCategory:  e.TransactionCategory,
		SourceFileID:         e.SourceFileID,
	})
}

// UnmarshalJSON is used by queue consumers.
func (e *TransactionEvent) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	amount, err := decimal.NewFromString(w.TransactionAmount.String())
	if err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.TransactionTimestamp)
	if err != nil {
		return err
	}
	processed, err := time.Parse(time.RFC3339Nano, w.ProcessingTimestamp)
	if err != nil {
		return err
	}

	*e = TransactionEvent{
		TransactionID:       w.TransactionID,
		TransactionType:     w.TransactionType,
		Amount:              amount,
		Timestamp:           ts,
		CustomerID:          w.CustomerIdentifier,
		Metadata:            w.TransactionMetadata,
		ProcessingTimestamp: processed,
		TransactionCategory: w.TransactionCategory,
		SourceFileID:        w.SourceFileID,
	}
	return nil
}

// FormatAmount renders d keeping the scale it was parsed with, so "100.00"
// stays "100.00".
func FormatAmount(d decimal.Decimal) string {
	scale := -d.Exponent()
	if scale < 0 {
		scale = 0
	}
	return d.StringFixed(scale)
}
