package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/ledger"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"google.golang.org/api/iterator"
)

// LedgerRepository is the BigQuery implementation of ledger.Ledger.
// It holds a shared BigQuery client to avoid creating a new connection
// for each operation.
type LedgerRepository struct {
	client  *bigquery.Client
	table   TableRef
	ownsCli bool
}

// TableRef identifies a fully qualified BigQuery table.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// String renders the table as a backquoted standard SQL identifier.
func (t TableRef) String() string {
	return fmt.Sprintf("`%s.%s.%s`", t.Project, t.Dataset, t.Table)
}

// NewLedgerRepository creates a repository with its own BigQuery client.
// The caller must Close it.
func NewLedgerRepository(ctx context.Context, table TableRef) (*LedgerRepository, error) {
	client, err := bigquery.NewClient(ctx, table.Project)
	if err != nil {
		return nil, fmt.Errorf("NewLedgerRepository: creating client: %w", err)
	}
	repo := NewLedgerRepositoryWithClient(client, table)
	repo.ownsCli = true
	return repo, nil
}

// NewLedgerRepositoryWithClient wraps an existing client.
func NewLedgerRepositoryWithClient(client *bigquery.Client, table TableRef) *LedgerRepository {
	return &LedgerRepository{client: client, table: table}
}

// Close releases the client if the repository created it.
func (r *LedgerRepository) Close() error {
	if r.client != nil && r.ownsCli {
		return r.client.Close()
	}
	return nil
}

type existsRow struct {
	FileID string `bigquery:"file_id"`
}

// Exists implements ledger.Ledger.
func (r *LedgerRepository) Exists(ctx context.Context, fileID string) (bool, error) {
	q := r.client.Query(existsQuery(r.table))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "file_id", Value: fileID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return false, &ledger.StorageError{Op: ledger.OpExists, FileID: fileID, Err: err}
	}

	var row existsRow
	err = it.Next(&row)
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, &ledger.StorageError{Op: ledger.OpExists, FileID: fileID, Err: err}
	}
	return true, nil
}

// MarkProcessed implements ledger.Ledger with a MERGE so that repeated
// marks for the same file overwrite rather than duplicate.
func (r *LedgerRepository) MarkProcessed(ctx context.Context, mark domain.ProcessedFileMark) error {
	q := r.client.Query(mergeQuery(r.table))
	q.Parameters = markParameters(mark)

	if err := runAndWait(ctx, q); err != nil {
		return &ledger.StorageError{Op: ledger.OpMark, FileID: mark.FileID, Err: err}
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("file_id", mark.FileID).
		Str("table", r.table.Table).
		Msg("Recorded processed file")
	return nil
}

func markParameters(mark domain.ProcessedFileMark) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "file_id", Value: mark.FileID},
		{Name: "file_name", Value: mark.FileName},
		{Name: "processed_timestamp", Value: mark.ProcessedTimestamp.UTC()},
		{Name: "status", Value: mark.Status},
	}
}

func existsQuery(t TableRef) string {
	return fmt.Sprintf(`
		SELECT file_id
		FROM %s
		WHERE file_id = @file_id
		LIMIT 1
	`, t)
}

func mergeQuery(t TableRef) string {
	return fmt.Sprintf(`
		MERGE %s AS target
		USING (
			SELECT
				@file_id AS file_id,
				@file_name AS file_name,
				@processed_timestamp AS processed_timestamp,
				@status AS status
		) AS source
		ON target.file_id = source.file_id
		WHEN MATCHED THEN
			UPDATE SET
				file_name = source.file_name,
				processed_timestamp = source.processed_timestamp,
				status = source.status
		WHEN NOT MATCHED THEN
			INSERT (file_id, file_name, processed_timestamp, status)
			VALUES (source.file_id, source.file_name, source.processed_timestamp, source.status)
	`, t)
}

func runAndWait(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

// Ensure LedgerRepository implements ledger.Ledger.
var _ ledger.Ledger = (*LedgerRepository)(nil)
