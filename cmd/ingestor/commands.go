package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transaction-ingest/internal/api"
	"github.com/dvloznov/transaction-ingest/internal/archive"
	"github.com/dvloznov/transaction-ingest/internal/config"
	"github.com/dvloznov/transaction-ingest/internal/domain"
	infraBQ "github.com/dvloznov/transaction-ingest/internal/infra/bigquery"
	"github.com/dvloznov/transaction-ingest/internal/ledger"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/poller"
	"github.com/dvloznov/transaction-ingest/internal/queue"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func buildPoller(ctx context.Context, a *app) (*poller.Poller, *rulesRefresher, queue.Consumer, error) {
	src, err := a.source(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building source: %w", err)
	}
	led, err := a.ledger(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building ledger: %w", err)
	}
	proc, cons, err := a.processor(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	p := poller.NewPoller(src, led, proc, a.cfg.Poller.Concurrency)
	refresher := newRulesRefresher(a.provider, proc, a.cfg.Rules.RefreshInterval)
	return p, refresher, cons, nil
}

// startInProcessArchiver consumes the memory queue inside this process.
// Without a consumer the queue fills up and Publish blocks, so a missing
// archive store is a startup error.
func startInProcessArchiver(ctx context.Context, a *app, cons queue.Consumer) error {
	if cons == nil {
		return nil
	}
	store, err := a.archiveStore(ctx)
	if err != nil {
		return fmt.Errorf("queue.kind=%s needs an archive store for its in-process consumer: %w", config.KindMemory, err)
	}
	if err := cons.Start(ctx, archive.NewHandler(store).Handle); err != nil {
		return fmt.Errorf("starting in-process archiver: %w", err)
	}
	a.onClose(func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return cons.Stop(stopCtx)
	})
	return nil
}

func runCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll on an interval and serve the ops API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			p, refresher, cons, err := buildPoller(ctx, a)
			if err != nil {
				return err
			}
			if err := startInProcessArchiver(ctx, a, cons); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return p.Run(gctx, a.cfg.Poller.Interval, refresher.Refresh)
			})
			g.Go(func() error {
				router := api.NewRouter(a.log, p, refresher.processor)
				return api.Serve(gctx, a.log, a.cfg.Server.Addr, router)
			})
			return g.Wait()
		},
	}
}

func onceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single poll cycle and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			p, _, cons, err := buildPoller(ctx, a)
			if err != nil {
				return err
			}
			if err := startInProcessArchiver(ctx, a, cons); err != nil {
				return err
			}

			summary, err := p.RunCycle(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
}

func ingestFileCmd(opts *options) *cobra.Command {
	var (
		fileID string
		mark   bool
	)

	cmd := &cobra.Command{
		Use:   "ingest-file [path]",
		Short: "Ingest one local CSV file through the pipeline",
		Long: `Ingest one local CSV file through the pipeline, bypassing the source.

The file ID defaults to the SHA-256 of the content. With --mark the ledger is
consulted first and the file is marked processed on success.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			path := args[0]
			if fileID == "" {
				if fileID, err = fileChecksum(path); err != nil {
					return err
				}
			}
			name := filepath.Base(path)
			ctx = logger.WithFile(ctx, fileID, name)
			log := logger.FromContext(ctx)

			proc, cons, err := a.processor(ctx)
			if err != nil {
				return err
			}
			if err := startInProcessArchiver(ctx, a, cons); err != nil {
				return err
			}

			var led ledger.Ledger
			if mark {
				if led, err = a.ledger(ctx); err != nil {
					return fmt.Errorf("building ledger: %w", err)
				}
				exists, err := led.Exists(ctx, fileID)
				if err != nil {
					return err
				}
				if exists {
					log.Info().Msg("File already processed, nothing to do")
					return nil
				}
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("opening %s: %w", path, err)
			}
			defer f.Close()

			res, err := proc.Process(ctx, fileID, name, f)
			if err != nil {
				return err
			}

			if led != nil {
				err := led.MarkProcessed(ctx, domain.ProcessedFileMark{
					FileID:             fileID,
					FileName:           name,
					ProcessedTimestamp: time.Now(),
					Status:             domain.StatusSuccess,
				})
				if err != nil {
					return err
				}
			}
			return printJSON(cmd, res)
		},
	}

	cmd.Flags().StringVar(&fileID, "id", "", "file ID to record as provenance (default: content SHA-256)")
	cmd.Flags().BoolVar(&mark, "mark", false, "check and update the processed-files ledger")

	return cmd
}

func consumeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Archive events from the queue until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			cons, err := a.consumer(ctx)
			if err != nil {
				return err
			}
			store, err := a.archiveStore(ctx)
			if err != nil {
				return err
			}

			if err := cons.Start(ctx, archive.NewHandler(store).Handle); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return api.Serve(gctx, a.log, a.cfg.Server.Addr, api.NewRouter(a.log, nil, nil))
			})
			err = g.Wait()

			stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if serr := cons.Stop(stopCtx); serr != nil {
				a.log.Error().Err(serr).Msg("Error stopping consumer")
			}
			return err
		},
	}
}

func migrateCmd(opts *options) *cobra.Command {
	var appliedBy string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending BigQuery migrations for the processed-files ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			table := a.tableRef()
			if table.Project == "" {
				return fmt.Errorf("ledger.bigquery_project is required for migrate")
			}

			client, err := bigquery.NewClient(ctx, table.Project)
			if err != nil {
				return fmt.Errorf("creating BigQuery client: %w", err)
			}
			defer client.Close()

			applied, err := infraBQ.NewMigrator(client, table, appliedBy).Migrate(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to %s.%s\n", applied, table.Project, table.Dataset)
			return nil
		},
	}

	cmd.Flags().StringVar(&appliedBy, "applied-by", "ingestor-migrate", "name recorded in schema_migrations")

	return cmd
}

func fileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
