package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// ReasonCode is the closed set of rejection categories.
type ReasonCode int

const (
	ReasonAmountFormat ReasonCode = iota + 1
	ReasonTimestampFormat
	ReasonMissingField
	ReasonValidationFailed
	ReasonUnexpected
)

// RejectionReason tags a quarantined record. The zero value is not a valid
// reason; use the predefined values or UnexpectedError.
type RejectionReason struct {
	code ReasonCode
	kind string
}

var (
	AmountFormatError    = RejectionReason{code: ReasonAmountFormat}
	TimestampFormatError = RejectionReason{code: ReasonTimestampFormat}
	MissingHeaderOrField = RejectionReason{code: ReasonMissingField}
	ValidationFailed     = RejectionReason{code: ReasonValidationFailed}
)

// UnexpectedError builds the catch-all reason, labelled with the error's
// type name (for example "Unexpected Error: ParseError").
func UnexpectedError(err error) RejectionReason {
	return RejectionReason{code: ReasonUnexpected, kind: ErrorKind(err)}
}

// Code returns the reason's category.
func (r RejectionReason) Code() ReasonCode { return r.code }

// String returns the label quarantine consumers key on.
func (r RejectionReason) String() string {
	switch r.code {
	case ReasonAmountFormat:
		return "Amount Format Error"
	case ReasonTimestampFormat:
		return "Timestamp Format Error"
	case ReasonMissingField:
		return "Missing Header/Field"
	case ReasonValidationFailed:
		return "Validation Failed"
	case ReasonUnexpected:
		return "Unexpected Error: " + r.kind
	default:
		return fmt.Sprintf("Unknown Reason(%d)", int(r.code))
	}
}

// ErrorKind names the concrete type of err without package or pointer,
// e.g. *csv.ParseError -> "ParseError".
func ErrorKind(err error) string {
	if err == nil {
		return "nil"
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// RejectedRecord is a raw row plus the provenance needed to trace it back.
type RejectedRecord struct {
	Raw              map[string]string
	Reason           RejectionReason
	SourceFileID     string
	OriginalFileName string
	RejectedAt       time.Time
}

// MarshalJSON flattens the raw columns and adds underscore-prefixed
// provenance keys.
func (r RejectedRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(r.Raw)+4)
	for k, v := range r.Raw {
		out[k] = v
	}
	out["_rejectionReason"] = r.Reason.String()
	out["_sourceFileId"] = r.SourceFileID
	out["_originalFileName"] = r.OriginalFileName
	out["_rejectionTimestamp"] = r.RejectedAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}
