package bigquery

import (
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migrationPattern matches migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is a single versioned DDL file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// Migrator applies the embedded migrations to one dataset.
type Migrator struct {
	client    *bigquery.Client
	table     TableRef
	appliedBy string
	files     fs.FS
}

// NewMigrator creates a migrator targeting the ledger table.
func NewMigrator(client *bigquery.Client, table TableRef, appliedBy string) *Migrator {
	sub, _ := fs.Sub(embeddedMigrations, "migrations")
	return &Migrator{
		client:    client,
		table:     table,
		appliedBy: appliedBy,
		files:     sub,
	}
}

// LoadMigrations reads migration files from fsys, substitutes the
// {{PROJECT_ID}}, {{DATASET_ID}} and {{TABLE_ID}} placeholders and returns
// them sorted by version. Files that do not match the naming pattern are
// skipped. The checksum is taken over the raw file content.
func LoadMigrations(fsys fs.FS, table TableRef) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}

		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", entry.Name(), err)
		}

		sql := strings.NewReplacer(
			"{{PROJECT_ID}}", table.Project,
			"{{DATASET_ID}}", table.Dataset,
			"{{TABLE_ID}}", table.Table,
		).Replace(string(content))

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: entry.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Migrate ensures the dataset exists and applies pending migrations.
// It returns the number of migrations applied.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)

	if err := m.ensureDataset(ctx); err != nil {
		return 0, err
	}

	migrations, err := LoadMigrations(m.files, m.table)
	if err != nil {
		return 0, err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range migrations {
		if applied[migration.Version] {
			log.Debug().Int("version", migration.Version).Str("name", migration.Name).Msg("Migration already applied")
			continue
		}

		if err := runAndWait(ctx, m.client.Query(migration.SQL)); err != nil {
			return count, fmt.Errorf("executing migration %04d_%s: %w", migration.Version, migration.Name, err)
		}
		if err := m.record(ctx, migration); err != nil {
			return count, fmt.Errorf("recording migration %04d_%s: %w", migration.Version, migration.Name, err)
		}

		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Applied migration")
		count++
	}
	return count, nil
}

func (m *Migrator) ensureDataset(ctx context.Context) error {
	err := m.client.Dataset(m.table.Dataset).Create(ctx, &bigquery.DatasetMetadata{})
	if err == nil || isAlreadyExists(err) {
		return nil
	}
	return fmt.Errorf("creating dataset %s: %w", m.table.Dataset, err)
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

func (m *Migrator) migrationsTable() TableRef {
	return TableRef{Project: m.table.Project, Dataset: m.table.Dataset, Table: "schema_migrations"}
}

// appliedVersions returns the versions already recorded. A missing
// schema_migrations table means nothing has been applied.
func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	sql := fmt.Sprintf(`
		SELECT version, applied_at
		FROM %s
		ORDER BY version ASC
	`, m.migrationsTable())

	it, err := m.client.Query(sql).Read(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "Not found") {
			return map[int]bool{}, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	applied := make(map[int]bool)
	for {
		var row struct {
			Version   int64     `bigquery:"version"`
			AppliedAt time.Time `bigquery:"applied_at"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}
		applied[int(row.Version)] = true
	}
	return applied, nil
}

func (m *Migrator) record(ctx context.Context, migration Migration) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, m.migrationsTable())

	q := m.client.Query(sql)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: migration.Version},
		{Name: "name", Value: migration.Name},
		{Name: "checksum", Value: migration.Checksum},
		{Name: "applied_by", Value: m.appliedBy},
	}
	return runAndWait(ctx, q)
}
