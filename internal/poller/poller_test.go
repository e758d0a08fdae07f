package poller_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/config"
	"github.com/dvloznov/transaction-ingest/internal/domain"
	ledgermem "github.com/dvloznov/transaction-ingest/internal/ledger/inmemory"
	"github.com/dvloznov/transaction-ingest/internal/pipeline"
	"github.com/dvloznov/transaction-ingest/internal/poller"
	"github.com/dvloznov/transaction-ingest/internal/quarantine"
	queuemem "github.com/dvloznov/transaction-ingest/internal/queue/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func files(ids ...string) []domain.FileDescriptor {
	out := make([]domain.FileDescriptor, len(ids))
	for i, id := range ids {
		out[i] = domain.FileDescriptor{ID: id, Name: id + ".csv"}
	}
	return out
}

func TestRunCycle_IngestsMarksAndRetires(t *testing.T) {
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("f1"), nil
		},
	}
	led := &MockLedger{}
	proc := &MockProcessor{
		ProcessFunc: func(ctx context.Context, id, name string, r io.Reader) (pipeline.Result, error) {
			return pipeline.Result{Accepted: 2, Rejected: 1}, nil
		},
	}

	p := poller.NewPoller(src, led, proc, 1)
	summary, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 1, summary.Ingested)
	assert.Equal(t, 2, summary.Accepted)
	assert.Equal(t, 1, summary.Rejected)
	require.Len(t, led.Marks, 1)
	assert.Equal(t, "f1", led.Marks[0].FileID)
	assert.Equal(t, "f1.csv", led.Marks[0].FileName)
	assert.Equal(t, domain.StatusSuccess, led.Marks[0].Status)
	assert.False(t, led.Marks[0].ProcessedTimestamp.IsZero())
	assert.Equal(t, []string{"f1"}, src.Retired)
	require.Len(t, summary.Files, 1)
	assert.Equal(t, poller.StateDone, summary.Files[0].State)
	assert.True(t, summary.Files[0].Retired)
}

func TestRunCycle_SkipsProcessedWithoutDownload(t *testing.T) {
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("f1"), nil
		},
	}
	led := &MockLedger{
		ExistsFunc: func(ctx context.Context, fileID string) (bool, error) {
			return true, nil
		},
	}

	p := poller.NewPoller(src, led, &MockProcessor{}, 1)
	summary, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, src.Downloads)
	assert.Empty(t, src.Retired)
	assert.Empty(t, led.Marks)
}

func TestRunCycle_EmptyListing(t *testing.T) {
	p := poller.NewPoller(&MockSource{}, &MockLedger{}, &MockProcessor{}, 1)
	summary, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Candidates)
	assert.Empty(t, summary.Files)
}

func TestRunCycle_ListFailure(t *testing.T) {
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return nil, errors.New("drive unavailable")
		},
	}
	p := poller.NewPoller(src, &MockLedger{}, &MockProcessor{}, 1)
	_, err := p.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drive unavailable")

	_, ok := p.LastSummary()
	assert.False(t, ok)
}

func TestRunCycle_DownloadFailureLeavesFileUnmarked(t *testing.T) {
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("bad", "good"), nil
		},
		DownloadFunc: func(ctx context.Context, fileID string) (io.ReadCloser, error) {
			if fileID == "bad" {
				return nil, errors.New("connection reset")
			}
			return io.NopCloser(strings.NewReader("")), nil
		},
	}
	led := &MockLedger{}

	p := poller.NewPoller(src, led, &MockProcessor{}, 1)
	summary, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Ingested)
	require.Len(t, led.Marks, 1)
	assert.Equal(t, "good", led.Marks[0].FileID)
	assert.Equal(t, []string{"good"}, src.Retired)
	assert.Equal(t, poller.StateFailed, summary.Files[0].State)
	assert.Contains(t, summary.Files[0].Err, "connection reset")
}

func TestRunCycle_LedgerLookupFailure(t *testing.T) {
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("f1"), nil
		},
	}
	led := &MockLedger{
		ExistsFunc: func(ctx context.Context, fileID string) (bool, error) {
			return false, errors.New("ledger down")
		},
	}

	p := poller.NewPoller(src, led, &MockProcessor{}, 1)
	summary, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, src.Downloads)
}

func TestRunCycle_StreamFailureNoMark(t *testing.T) {
	rc := &trackingCloser{Reader: strings.NewReader("x")}
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("f1"), nil
		},
		DownloadFunc: func(ctx context.Context, fileID string) (io.ReadCloser, error) {
			return rc, nil
		},
	}
	led := &MockLedger{}
	proc := &MockProcessor{
		ProcessFunc: func(ctx context.Context, id, name string, r io.Reader) (pipeline.Result, error) {
			return pipeline.Result{Accepted: 1}, &pipeline.StreamError{FileID: id, Err: io.ErrUnexpectedEOF}
		},
	}

	p := poller.NewPoller(src, led, proc, 1)
	summary, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Accepted)
	assert.Empty(t, led.Marks)
	assert.Empty(t, src.Retired)
	assert.True(t, rc.closed)
}

func TestRunCycle_MarkFailureSkipsRetire(t *testing.T) {
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("f1"), nil
		},
	}
	led := &MockLedger{
		MarkProcessedFunc: func(ctx context.Context, mark domain.ProcessedFileMark) error {
			return errors.New("quota exceeded")
		},
	}

	p := poller.NewPoller(src, led, &MockProcessor{}, 1)
	summary, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, src.Retired)
}

func TestRunCycle_RetireFailureKeepsMark(t *testing.T) {
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("f1"), nil
		},
		RetireFunc: func(ctx context.Context, fileID string) error {
			return errors.New("permission denied")
		},
	}
	led := &MockLedger{}

	p := poller.NewPoller(src, led, &MockProcessor{}, 1)
	summary, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Ingested)
	assert.Zero(t, summary.Failed)
	require.Len(t, led.Marks, 1)
	assert.False(t, summary.Files[0].Retired)
}

func TestRunCycle_Overlap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("f1"), nil
		},
	}
	proc := &MockProcessor{
		ProcessFunc: func(ctx context.Context, id, name string, r io.Reader) (pipeline.Result, error) {
			close(entered)
			<-release
			return pipeline.Result{}, nil
		},
	}
	p := poller.NewPoller(src, &MockLedger{}, proc, 1)

	done := make(chan error, 1)
	go func() {
		_, err := p.RunCycle(context.Background())
		done <- err
	}()

	<-entered
	_, err := p.RunCycle(context.Background())
	assert.ErrorIs(t, err, poller.ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)

	last, ok := p.LastSummary()
	require.True(t, ok)
	assert.Equal(t, 1, last.Ingested)
}

func TestRunCycle_ConcurrentFiles(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files(ids...), nil
		},
	}
	var inFlight, peak int32
	proc := &MockProcessor{
		ProcessFunc: func(ctx context.Context, id, name string, r io.Reader) (pipeline.Result, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return pipeline.Result{Accepted: 1}, nil
		},
	}
	led := &MockLedger{}

	p := poller.NewPoller(src, led, proc, 2)
	summary, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, len(ids), summary.Ingested)
	assert.Equal(t, len(ids), summary.Accepted)
	assert.Len(t, led.Marks, len(ids))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	for i, o := range summary.Files {
		assert.Equal(t, ids[i], o.FileID)
	}
}

func TestRunCycle_EndToEndSecondCycleSkips(t *testing.T) {
	content := "transaction_id,transaction_type,amount,timestamp,customer_id,metadata\n" +
		"tx-1,PAYMENT,10.50,2024-01-15T10:00:00Z,cust-1,\n" +
		"tx-2,PAYMENT,abc,2024-01-15T10:00:00Z,cust-1,\n"
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("f1"), nil
		},
		DownloadFunc: func(ctx context.Context, fileID string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
	led := ledgermem.NewLedger()
	q := queuemem.NewQueue(10, 1)
	defer q.Close()
	proc := pipeline.NewProcessor(q, quarantine.NewBlobSink(nil, quarantine.DefaultPrefix), config.DefaultRules())

	p := poller.NewPoller(src, led, proc, 1)

	first, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Ingested)
	assert.Equal(t, 1, first.Accepted)
	assert.Equal(t, 1, first.Rejected)
	assert.Equal(t, 1, q.Len())

	second, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, src.Downloads, 1)
	assert.Equal(t, 1, q.Len())
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cycles, ticks int32
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			if atomic.AddInt32(&cycles, 1) == 2 {
				cancel()
			}
			return nil, nil
		},
	}
	p := poller.NewPoller(src, &MockLedger{}, &MockProcessor{}, 1)

	err := p.Run(ctx, 5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&ticks, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&cycles))
	assert.Equal(t, int32(2), atomic.LoadInt32(&ticks))
}

func TestRun_RejectsNonPositiveInterval(t *testing.T) {
	p := poller.NewPoller(&MockSource{}, &MockLedger{}, &MockProcessor{}, 1)
	err := p.Run(context.Background(), 0, nil)
	assert.Error(t, err)
}

func TestRunCycle_CancelledContextLeavesFileUnmarked(t *testing.T) {
	content := "transaction_id,transaction_type,amount,timestamp,customer_id,metadata\n" +
		"tx-1,PAYMENT,1,2024-01-15T10:00:00Z,cust-1,\n" +
		"tx-2,PAYMENT,2,2024-01-15T10:00:00Z,cust-1,\n" +
		"tx-3,PAYMENT,3,2024-01-15T10:00:00Z,cust-1,\n"
	src := &MockSource{
		ListFunc: func(ctx context.Context) ([]domain.FileDescriptor, error) {
			return files("f1"), nil
		},
		DownloadFunc: func(ctx context.Context, fileID string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
	led := ledgermem.NewLedger()
	q := queuemem.NewQueue(10, 1)
	defer q.Close()
	proc := pipeline.NewProcessor(q, quarantine.NewBlobSink(nil, quarantine.DefaultPrefix), config.DefaultRules())
	p := poller.NewPoller(src, led, proc, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := p.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Files, 1)
	assert.Equal(t, poller.StateFailed, summary.Files[0].State)
	assert.Zero(t, summary.Lost)
	assert.Zero(t, led.Len())
	assert.Empty(t, src.Retired)
}
