package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Backend kinds.
const (
	KindDrive    = "drive"
	KindGCS      = "gcs"
	KindLocal    = "local"
	KindBigQuery = "bigquery"
	KindMongo    = "mongo"
	KindMemory   = "memory"
	KindRedis    = "redis"
)

type Config struct {
	Source     SourceConfig
	Ledger     LedgerConfig
	Queue      QueueConfig
	Quarantine QuarantineConfig
	Archive    ArchiveConfig
	Poller     PollerConfig
	Rules      ProcessingRules
	Server     ServerConfig
	Log        LogConfig
}

type SourceConfig struct {
	Kind string

	DriveFolderID        string
	DriveCredentialsFile string
	DriveArchiveFolderID string

	GCSBucket        string
	GCSPrefix        string
	GCSArchivePrefix string

	LocalDir          string
	LocalProcessedDir string
}

type LedgerConfig struct {
	Kind string

	BigQueryProject string
	BigQueryDataset string
	BigQueryTable   string

	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

type QueueConfig struct {
	Kind     string
	RedisURL string
	Stream   string
	MaxLen   int64
	Group    string
	Consumer string
	Buffer   int
}

type QuarantineConfig struct {
	Kind   string
	Bucket string
	Prefix string
	Dir    string
}

type ArchiveConfig struct {
	Kind   string
	Bucket string
	Dir    string
}

type PollerConfig struct {
	Interval    time.Duration
	Concurrency int
}

// ProcessingRules are the pipeline tunables that may change at runtime.
// They are passed to the pipeline explicitly and replaced on refresh.
type ProcessingRules struct {
	EnableBetaFeatures bool
	// RejectNegativeAmounts is on by default; turning it off lets negative
	// rows through as DEBIT events.
	RejectNegativeAmounts bool
	RefreshInterval       time.Duration
}

type ServerConfig struct {
	Addr string
}

type LogConfig struct {
	Level   string
	Console bool
}

// DefaultRules returns the rules used when no rules keys are configured.
func DefaultRules() ProcessingRules {
	return ProcessingRules{
		EnableBetaFeatures:    false,
		RejectNegativeAmounts: true,
		RefreshInterval:       5 * time.Minute,
	}
}

// Load fetches values from p and parses them.
func Load(ctx context.Context, p Provider) (*Config, error) {
	values, err := p.Values(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(values)
}

// LoadRules fetches only the processing rules, for periodic refresh.
func LoadRules(ctx context.Context, p Provider) (ProcessingRules, error) {
	values, err := p.Values(ctx)
	if err != nil {
		return ProcessingRules{}, err
	}
	v := reader{values: values}
	rules := v.rules()
	if v.err != nil {
		return ProcessingRules{}, v.err
	}
	return rules, nil
}

// Parse builds a Config from flat key/value pairs, applying defaults and
// validating the selected backends.
func Parse(values map[string]string) (*Config, error) {
	v := reader{values: values}

	cfg := &Config{
		Source: SourceConfig{
			Kind:                 strings.ToLower(v.str("source.kind", KindDrive)),
			DriveFolderID:        v.str("source.drive_folder_id", ""),
			DriveCredentialsFile: v.str("source.drive_credentials_file", ""),
			DriveArchiveFolderID: v.str("source.drive_archive_folder_id", ""),
			GCSBucket:            v.str("source.gcs_bucket", ""),
			GCSPrefix:            v.str("source.gcs_prefix", "incoming/"),
			GCSArchivePrefix:     v.str("source.gcs_archive_prefix", "archive/"),
			LocalDir:             v.str("source.local_dir", "./data/unprocessed"),
			LocalProcessedDir:    v.str("source.local_processed_dir", "./data/processed"),
		},
		Ledger: LedgerConfig{
			Kind:            strings.ToLower(v.str("ledger.kind", KindBigQuery)),
			BigQueryProject: v.str("ledger.bigquery_project", ""),
			BigQueryDataset: v.str("ledger.bigquery_dataset", "ingestion"),
			BigQueryTable:   v.str("ledger.bigquery_table", "processed_files"),
			MongoURI:        v.str("ledger.mongo_uri", "mongodb://localhost:27017"),
			MongoDatabase:   v.str("ledger.mongo_database", "ingestion"),
			MongoCollection: v.str("ledger.mongo_collection", "processed_files"),
		},
		Queue: QueueConfig{
			Kind:     strings.ToLower(v.str("queue.kind", KindRedis)),
			RedisURL: v.str("queue.redis_url", "redis://localhost:6379/0"),
			Stream:   v.str("queue.stream", "transaction-events"),
			MaxLen:   int64(v.integer("queue.max_len", 0)),
			Group:    v.str("queue.group", "transaction-archiver"),
			Consumer: v.str("queue.consumer", "archiver-1"),
			Buffer:   v.integer("queue.buffer", 100),
		},
		Quarantine: QuarantineConfig{
			Kind:   strings.ToLower(v.str("quarantine.kind", KindGCS)),
			Bucket: v.str("quarantine.bucket", ""),
			Prefix: v.str("quarantine.prefix", "rejected"),
			Dir:    v.str("quarantine.dir", "./data/rejected"),
		},
		Archive: ArchiveConfig{
			Kind:   strings.ToLower(v.str("archive.kind", KindGCS)),
			Bucket: v.str("archive.bucket", ""),
			Dir:    v.str("archive.dir", "./data/archive"),
		},
		Poller: PollerConfig{
			Interval:    v.duration("poller.interval", 5*time.Minute),
			Concurrency: v.integer("poller.concurrency", 1),
		},
		Rules: v.rules(),
		Server: ServerConfig{
			Addr: v.str("server.addr", ":8080"),
		},
		Log: LogConfig{
			Level:   v.str("log.level", "info"),
			Console: v.boolean("log.console", false),
		},
	}

	if v.err != nil {
		return nil, v.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Source.Kind {
	case KindDrive:
		if c.Source.DriveFolderID == "" {
			return fmt.Errorf("source.drive_folder_id is required for the drive source")
		}
	case KindGCS:
		if c.Source.GCSBucket == "" {
			return fmt.Errorf("source.gcs_bucket is required for the gcs source")
		}
	case KindLocal:
		if c.Source.LocalDir == "" {
			return fmt.Errorf("source.local_dir is required for the local source")
		}
	default:
		return fmt.Errorf("unsupported source.kind %q", c.Source.Kind)
	}

	switch c.Ledger.Kind {
	case KindBigQuery:
		if c.Ledger.BigQueryProject == "" {
			return fmt.Errorf("ledger.bigquery_project is required for the bigquery ledger")
		}
	case KindMongo:
		if c.Ledger.MongoURI == "" {
			return fmt.Errorf("ledger.mongo_uri is required for the mongo ledger")
		}
	case KindMemory:
	default:
		return fmt.Errorf("unsupported ledger.kind %q", c.Ledger.Kind)
	}

	switch c.Queue.Kind {
	case KindRedis:
		if c.Queue.RedisURL == "" || c.Queue.Stream == "" {
			return fmt.Errorf("queue.redis_url and queue.stream are required for the redis queue")
		}
	case KindMemory:
	default:
		return fmt.Errorf("unsupported queue.kind %q", c.Queue.Kind)
	}

	switch c.Quarantine.Kind {
	case KindGCS, KindLocal:
	default:
		return fmt.Errorf("unsupported quarantine.kind %q", c.Quarantine.Kind)
	}

	if c.Poller.Concurrency < 1 {
		return fmt.Errorf("poller.concurrency must be >= 1, got %d", c.Poller.Concurrency)
	}
	return nil
}

// reader collects the first conversion error so Parse can report it once.
type reader struct {
	values map[string]string
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.values[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	s := r.str(key, "")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		r.fail(key, s, err)
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	s := r.str(key, "")
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		r.fail(key, s, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	s := r.str(key, "")
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		r.fail(key, s, err)
		return def
	}
	return d
}

func (r *reader) rules() ProcessingRules {
	def := DefaultRules()
	return ProcessingRules{
		EnableBetaFeatures:    r.boolean("rules.enable_beta_features", def.EnableBetaFeatures),
		RejectNegativeAmounts: r.boolean("rules.reject_negative_amounts", def.RejectNegativeAmounts),
		RefreshInterval:       r.duration("rules.refresh_interval", def.RefreshInterval),
	}
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
}
