// Package poller drives poll cycles: list candidate files, skip those the
// ledger already holds, ingest the rest, mark them and retire them.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/ledger"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/metrics"
	"github.com/dvloznov/transaction-ingest/internal/pipeline"
	"github.com/dvloznov/transaction-ingest/internal/source"
	"golang.org/x/sync/errgroup"
)

// ErrCycleInProgress is returned by RunCycle while another cycle runs on
// the same Poller.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

// FileProcessor ingests one file's content.
type FileProcessor interface {
	Process(ctx context.Context, sourceFileID, fileName string, r io.Reader) (pipeline.Result, error)
}

// FileState is where a file's handling ended within a cycle.
type FileState string

const (
	StateSkipped FileState = "SKIPPED"
	StateDone    FileState = "DONE"
	StateFailed  FileState = "FAILED"
)

// FileOutcome describes one candidate's handling.
type FileOutcome struct {
	FileID  string          `json:"file_id"`
	Name    string          `json:"file_name"`
	State   FileState       `json:"state"`
	Result  pipeline.Result `json:"result"`
	Retired bool            `json:"retired"`
	Err     string          `json:"error,omitempty"`
}

// CycleSummary is what a cycle did.
type CycleSummary struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Candidates int           `json:"candidates"`
	Ingested   int           `json:"ingested"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Accepted   int           `json:"accepted"`
	Rejected   int           `json:"rejected"`
	Lost       int           `json:"lost"`
	Files      []FileOutcome `json:"files"`
}

// Poller runs poll cycles against one source.
type Poller struct {
	source      source.Client
	ledger      ledger.Ledger
	processor   FileProcessor
	concurrency int
	now         func() time.Time

	running sync.Mutex

	mu   sync.RWMutex
	last *CycleSummary
}

// NewPoller creates a Poller. concurrency bounds how many files of one cycle are
// handled at once; values below 1 mean sequential.
func NewPoller(src source.Client, l ledger.Ledger, processor FileProcessor, concurrency int) *Poller {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Poller{
		source:      src,
		ledger:      l,
		processor:   processor,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// LastSummary returns the summary of the most recent completed cycle.
func (p *Poller) LastSummary() (CycleSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.last == nil {
		return CycleSummary{}, false
	}
	return *p.last, true
}

// RunCycle performs one poll cycle. Per-file failures are recorded in the
// summary; only a listing failure or an overlapping call returns an error.
func (p *Poller) RunCycle(ctx context.Context) (CycleSummary, error) {
	if !p.running.TryLock() {
		return CycleSummary{}, ErrCycleInProgress
	}
	defer p.running.Unlock()

	log := logger.FromContext(ctx)
	summary := CycleSummary{StartedAt: p.now()}

	files, err := p.source.ListCandidates(ctx)
	if err != nil {
		metrics.PollerCycleErrors.Inc()
		log.Error().Err(err).Msg("Failed to list candidate files")
		return summary, fmt.Errorf("RunCycle: listing candidates: %w", err)
	}

	summary.Candidates = len(files)
	if len(files) == 0 {
		log.Debug().Msg("No candidate files found")
	}

	outcomes := make([]FileOutcome, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, f := range files {
		g.Go(func() error {
			outcomes[i] = p.handleFile(gctx, f)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o.State {
		case StateSkipped:
			summary.Skipped++
		case StateDone:
			summary.Ingested++
		case StateFailed:
			summary.Failed++
		}
		summary.Accepted += o.Result.Accepted
		summary.Rejected += o.Result.Rejected
		summary.Lost += o.Result.Lost
	}
	summary.Files = outcomes
	summary.FinishedAt = p.now()

	metrics.PollerCycles.Inc()
	metrics.PollerCycleLatency.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	log.Info().
		Int("candidates", summary.Candidates).
		Int("ingested", summary.Ingested).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("accepted", summary.Accepted).
		Int("rejected", summary.Rejected).
		Int("lost", summary.Lost).
		Msg("Poll cycle finished")

	p.mu.Lock()
	p.last = &summary
	p.mu.Unlock()

	return summary, nil
}

// handleFile walks one file through skip check, download, ingest, mark and
// retire.
func (p *Poller) handleFile(ctx context.Context, f domain.FileDescriptor) FileOutcome {
	ctx = logger.WithFile(ctx, f.ID, f.Name)
	log := logger.FromContext(ctx)
	outcome := FileOutcome{FileID: f.ID, Name: f.Name}

	fail := func(err error, msg string) FileOutcome {
		log.Error().Err(err).Msg(msg)
		metrics.PollerFiles.WithLabelValues(metrics.FileFailed).Inc()
		outcome.State = StateFailed
		outcome.Err = err.Error()
		return outcome
	}

	exists, err := p.ledger.Exists(ctx, f.ID)
	if err != nil {
		return fail(err, "Ledger lookup failed, will retry next cycle")
	}
	if exists {
		log.Debug().Msg("File already processed, skipping")
		metrics.PollerFiles.WithLabelValues(metrics.FileSkipped).Inc()
		outcome.State = StateSkipped
		return outcome
	}

	rc, err := p.source.Download(ctx, f.ID)
	if err != nil {
		return fail(err, "Download failed, will retry next cycle")
	}

	res, err := p.processor.Process(ctx, f.ID, f.Name, rc)
	if cerr := rc.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to close file stream")
	}
	outcome.Result = res
	if err != nil {
		return fail(err, "Ingestion failed, will retry next cycle")
	}

	mark := domain.ProcessedFileMark{
		FileID:             f.ID,
		FileName:           f.Name,
		ProcessedTimestamp: p.now(),
		Status:             domain.StatusSuccess,
	}
	if err := p.ledger.MarkProcessed(ctx, mark); err != nil {
		return fail(err, "Failed to mark file as processed, it will be ingested again")
	}

	outcome.State = StateDone
	metrics.PollerFiles.WithLabelValues(metrics.FileIngested).Inc()

	// The mark stands even when retiring fails.
	if err := p.source.Retire(ctx, f.ID); err != nil {
		metrics.PollerRetireErrors.Inc()
		log.Warn().Err(err).Msg("Failed to retire file at source, it stays visible but marked")
		return outcome
	}
	outcome.Retired = true
	log.Info().Msg("File ingested and retired")
	return outcome
}

// Run calls RunCycle once immediately and then every interval until ctx is
// cancelled. onTick, if set, runs ahead of every cycle.
func (p *Poller) Run(ctx context.Context, interval time.Duration, onTick func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("Run: interval must be positive, got %s", interval)
	}

	log := logger.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if onTick != nil {
			onTick(ctx)
		}
		if _, err := p.RunCycle(ctx); err != nil {
			log.Error().Err(err).Msg("Poll cycle failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}
