package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/transaction-ingest/internal/blob"
	"github.com/dvloznov/transaction-ingest/internal/config"
	infraBQ "github.com/dvloznov/transaction-ingest/internal/infra/bigquery"
	infraMongo "github.com/dvloznov/transaction-ingest/internal/infra/mongo"
	"github.com/dvloznov/transaction-ingest/internal/ledger"
	ledgermem "github.com/dvloznov/transaction-ingest/internal/ledger/inmemory"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/pipeline"
	"github.com/dvloznov/transaction-ingest/internal/quarantine"
	"github.com/dvloznov/transaction-ingest/internal/queue"
	queuemem "github.com/dvloznov/transaction-ingest/internal/queue/inmemory"
	"github.com/dvloznov/transaction-ingest/internal/queue/redisstream"
	"github.com/dvloznov/transaction-ingest/internal/source"
	"github.com/dvloznov/transaction-ingest/internal/source/drive"
	"github.com/dvloznov/transaction-ingest/internal/source/gcs"
	"github.com/dvloznov/transaction-ingest/internal/source/localdir"
	"github.com/rs/zerolog"
)

// app holds the collaborators built from one Config and the cleanup for
// each of them.
type app struct {
	cfg      *config.Config
	provider config.Provider
	log      zerolog.Logger

	storageOnce sync.Once
	storage     *storage.Client
	storageErr  error

	closers []func() error
}

func newApp(cfg *config.Config, provider config.Provider, log zerolog.Logger) *app {
	return &app{cfg: cfg, provider: provider, log: log}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse construction order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// storageClient is shared by the quarantine and archive stores.
func (a *app) storageClient(ctx context.Context) (*storage.Client, error) {
	a.storageOnce.Do(func() {
		a.storage, a.storageErr = storage.NewClient(ctx)
		if a.storageErr == nil {
			a.onClose(a.storage.Close)
		}
	})
	return a.storage, a.storageErr
}

func (a *app) source(ctx context.Context) (source.Client, error) {
	sc := a.cfg.Source
	switch sc.Kind {
	case config.KindDrive:
		return drive.NewClient(ctx, drive.Options{
			FolderID:        sc.DriveFolderID,
			ArchiveFolderID: sc.DriveArchiveFolderID,
			CredentialsFile: sc.DriveCredentialsFile,
		})
	case config.KindGCS:
		c, err := gcs.NewClient(ctx, sc.GCSBucket, sc.GCSPrefix, sc.GCSArchivePrefix)
		if err != nil {
			return nil, err
		}
		a.onClose(c.Close)
		return c, nil
	case config.KindLocal:
		return localdir.NewClient(sc.LocalDir, sc.LocalProcessedDir), nil
	default:
		return nil, fmt.Errorf("unsupported source kind %q", sc.Kind)
	}
}

func (a *app) ledger(ctx context.Context) (ledger.Ledger, error) {
	lc := a.cfg.Ledger
	switch lc.Kind {
	case config.KindBigQuery:
		repo, err := infraBQ.NewLedgerRepository(ctx, a.tableRef())
		if err != nil {
			return nil, err
		}
		a.onClose(repo.Close)
		return repo, nil
	case config.KindMongo:
		client, err := infraMongo.Connect(ctx, lc.MongoURI)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
		provider := infraMongo.NewMongoProvider(client, lc.MongoDatabase)
		return infraMongo.NewLedger(provider, lc.MongoCollection), nil
	case config.KindMemory:
		a.log.Warn().Msg("Using in-memory ledger, processed files are forgotten on restart")
		return ledgermem.NewLedger(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger kind %q", lc.Kind)
	}
}

func (a *app) tableRef() infraBQ.TableRef {
	return infraBQ.TableRef{
		Project: a.cfg.Ledger.BigQueryProject,
		Dataset: a.cfg.Ledger.BigQueryDataset,
		Table:   a.cfg.Ledger.BigQueryTable,
	}
}

// publisher returns the event publisher. For the memory kind the same queue
// is returned as consumer so the archiver can run in-process.
func (a *app) publisher(ctx context.Context) (queue.Publisher, queue.Consumer, error) {
	qc := a.cfg.Queue
	switch qc.Kind {
	case config.KindRedis:
		client, err := redisstream.Connect(ctx, qc.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		p := redisstream.NewPublisher(client, qc.Stream, qc.MaxLen)
		a.onClose(p.Close)
		return p, nil, nil
	case config.KindMemory:
		q := queuemem.NewQueue(qc.Buffer, 1)
		a.onClose(q.Close)
		return q, q, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue kind %q", qc.Kind)
	}
}

func (a *app) consumer(ctx context.Context) (queue.Consumer, error) {
	qc := a.cfg.Queue
	if qc.Kind != config.KindRedis {
		return nil, fmt.Errorf("consume needs queue.kind=%s, got %q", config.KindRedis, qc.Kind)
	}
	client, err := redisstream.Connect(ctx, qc.RedisURL)
	if err != nil {
		return nil, err
	}
	a.onClose(client.Close)
	return redisstream.NewConsumer(client, qc.Stream, qc.Group, qc.Consumer), nil
}

// quarantineStore returns nil when no location is configured.
func (a *app) quarantineStore(ctx context.Context) (blob.Store, error) {
	qc := a.cfg.Quarantine
	switch qc.Kind {
	case config.KindGCS:
		if qc.Bucket == "" {
			return nil, nil
		}
		client, err := a.storageClient(ctx)
		if err != nil {
			return nil, err
		}
		return blob.NewGCSStore(client, qc.Bucket), nil
	case config.KindLocal:
		if qc.Dir == "" {
			return nil, nil
		}
		return blob.NewDirStore(qc.Dir), nil
	default:
		return nil, fmt.Errorf("unsupported quarantine kind %q", qc.Kind)
	}
}

func (a *app) archiveStore(ctx context.Context) (blob.Store, error) {
	ac := a.cfg.Archive
	switch ac.Kind {
	case config.KindGCS:
		if ac.Bucket == "" {
			return nil, fmt.Errorf("archive.bucket is required for the gcs archive")
		}
		client, err := a.storageClient(ctx)
		if err != nil {
			return nil, err
		}
		return blob.NewGCSStore(client, ac.Bucket), nil
	case config.KindLocal:
		if ac.Dir == "" {
			return nil, fmt.Errorf("archive.dir is required for the local archive")
		}
		return blob.NewDirStore(ac.Dir), nil
	default:
		return nil, fmt.Errorf("unsupported archive kind %q", ac.Kind)
	}
}

// processor builds the ingestion pipeline. The returned consumer is non-nil
// only for the in-process memory queue.
func (a *app) processor(ctx context.Context) (*pipeline.Processor, queue.Consumer, error) {
	pub, cons, err := a.publisher(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("building publisher: %w", err)
	}

	store, err := a.quarantineStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("building quarantine store: %w", err)
	}
	if store == nil {
		a.log.Warn().Msg("Quarantine location not configured, rejected records will only be logged")
	}

	sink := quarantine.NewBlobSink(store, a.cfg.Quarantine.Prefix)
	return pipeline.NewProcessor(pub, sink, a.cfg.Rules), cons, nil
}

// rulesRefresher reloads the processing rules at most once per interval.
type rulesRefresher struct {
	provider  config.Provider
	processor *pipeline.Processor
	interval  time.Duration
	now       func() time.Time
	last      time.Time
}

func newRulesRefresher(provider config.Provider, processor *pipeline.Processor, interval time.Duration) *rulesRefresher {
	return &rulesRefresher{
		provider:  provider,
		processor: processor,
		interval:  interval,
		now:       time.Now,
	}
}

// Refresh is meant to run before each poll cycle. Load failures keep the
// rules in effect.
func (r *rulesRefresher) Refresh(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	now := r.now()
	if !r.last.IsZero() && now.Sub(r.last) < r.interval {
		return
	}
	r.last = now

	log := logger.FromContext(ctx)
	rules, err := config.LoadRules(ctx, r.provider)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to refresh processing rules, keeping current rules")
		return
	}
	if rules != r.processor.Rules() {
		log.Info().
			Bool("enable_beta_features", rules.EnableBetaFeatures).
			Bool("reject_negative_amounts", rules.RejectNegativeAmounts).
			Msg("Processing rules updated")
	}
	r.processor.UpdateRules(rules)
}
