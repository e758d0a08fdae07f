package domain

import "time"

// StatusSuccess is the only status the poller writes to the ledger.
const StatusSuccess = "SUCCESS"

// FileDescriptor identifies one candidate file at the source. ID is stable
// and independent of Name.
type FileDescriptor struct {
	ID         string
	Name       string
	ModifiedAt time.Time
}

// ProcessedFileMark is a ledger entry, written once per fully ingested file.
type ProcessedFileMark struct {
	FileID             string    `json:"fileId" bson:"_id"`
	FileName           string    `json:"fileName" bson:"file_name"`
	ProcessedTimestamp time.Time `json:"processedTimestamp" bson:"processed_ts"`
	Status             string    `json:"status" bson:"status"`
}
