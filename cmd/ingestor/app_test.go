package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/blob"
	"github.com/dvloznov/transaction-ingest/internal/config"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/pipeline"
	"github.com/dvloznov/transaction-ingest/internal/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = "transaction_id,transaction_type,amount,timestamp,customer_id,metadata\n" +
	"tx-1,PAYMENT,10.50,2024-01-15T10:00:00Z,cust-1,\n" +
	"tx-2,PAYMENT,-5.00,2024-01-15T10:00:00Z,cust-1,\n"

func testApp(t *testing.T, values map[string]string) *app {
	t.Helper()
	cfg, err := config.Parse(values)
	require.NoError(t, err)
	a := newApp(cfg, config.StaticProvider(values), logger.NewWithWriter(&bytes.Buffer{}))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func localValues(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		"source.kind":      "local",
		"source.local_dir": t.TempDir(),
		"ledger.kind":      "memory",
		"queue.kind":       "memory",
		"quarantine.kind":  "local",
		"quarantine.dir":   t.TempDir(),
		"archive.kind":     "local",
		"archive.dir":      t.TempDir(),
	}
}

func TestQuarantineStore_NotConfigured(t *testing.T) {
	values := localValues(t)
	values["quarantine.kind"] = "gcs"
	delete(values, "quarantine.bucket")
	a := testApp(t, values)

	store, err := a.quarantineStore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestQuarantineStore_Local(t *testing.T) {
	a := testApp(t, localValues(t))

	store, err := a.quarantineStore(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &blob.DirStore{}, store)
}

func TestArchiveStore_RequiresBucket(t *testing.T) {
	values := localValues(t)
	values["archive.kind"] = "gcs"
	a := testApp(t, values)

	_, err := a.archiveStore(context.Background())
	assert.Error(t, err)
}

func TestConsumer_RequiresRedis(t *testing.T) {
	a := testApp(t, localValues(t))

	_, err := a.consumer(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestPublisher_MemoryDoublesAsConsumer(t *testing.T) {
	a := testApp(t, localValues(t))

	pub, cons, err := a.publisher(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, pub)
	assert.NotNil(t, cons)
}

// failingProvider always fails to produce values.
type failingProvider struct{}

func (failingProvider) Values(ctx context.Context) (map[string]string, error) {
	return nil, config.ErrConfigUnavailable
}

func TestRulesRefresher(t *testing.T) {
	values := map[string]string{"rules.reject_negative_amounts": "false"}
	proc := pipeline.NewProcessor(nil, nil, config.DefaultRules())

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newRulesRefresher(config.StaticProvider(values), proc, time.Minute)
	r.now = func() time.Time { return now }

	r.Refresh(context.Background())
	assert.False(t, proc.Rules().RejectNegativeAmounts)

	// Within the interval nothing is reloaded.
	values["rules.reject_negative_amounts"] = "true"
	now = now.Add(30 * time.Second)
	r.Refresh(context.Background())
	assert.False(t, proc.Rules().RejectNegativeAmounts)

	now = now.Add(time.Minute)
	r.Refresh(context.Background())
	assert.True(t, proc.Rules().RejectNegativeAmounts)
}

func TestRulesRefresher_KeepsRulesOnFailure(t *testing.T) {
	rules := config.DefaultRules()
	rules.EnableBetaFeatures = true
	proc := pipeline.NewProcessor(nil, nil, rules)

	r := newRulesRefresher(failingProvider{}, proc, time.Minute)
	r.Refresh(context.Background())

	assert.Equal(t, rules, proc.Rules())
}

func TestOptionsProvider_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  stream: from-file\n  group: archivers\n"), 0o600))
	t.Setenv("TXINGEST_QUEUE_STREAM", "from-env")

	values, err := (&options{configPath: path}).provider().Values(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", values["queue.stream"])
	assert.Equal(t, "archivers", values["queue.group"])
}

func TestOptionsProvider_MissingFile(t *testing.T) {
	_, err := (&options{configPath: filepath.Join(t.TempDir(), "nope.yaml")}).provider().Values(context.Background())
	assert.True(t, errors.Is(err, config.ErrConfigUnavailable))
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "once", "ingest-file", "consume", "migrate"})
}

func setLocalEnv(t *testing.T, incoming string) (processed, rejected string) {
	t.Helper()
	processed = t.TempDir()
	rejected = t.TempDir()
	t.Setenv("TXINGEST_CONFIG", "")
	t.Setenv("TXINGEST_SOURCE_KIND", "local")
	t.Setenv("TXINGEST_SOURCE_LOCAL_DIR", incoming)
	t.Setenv("TXINGEST_SOURCE_LOCAL_PROCESSED_DIR", processed)
	t.Setenv("TXINGEST_LEDGER_KIND", "memory")
	t.Setenv("TXINGEST_QUEUE_KIND", "memory")
	t.Setenv("TXINGEST_QUARANTINE_KIND", "local")
	t.Setenv("TXINGEST_QUARANTINE_DIR", rejected)
	t.Setenv("TXINGEST_ARCHIVE_KIND", "local")
	t.Setenv("TXINGEST_ARCHIVE_DIR", t.TempDir())
	t.Setenv("TXINGEST_LOG_LEVEL", "error")
	return processed, rejected
}

func TestOnceCmd_LocalSource(t *testing.T) {
	incoming := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "batch.csv"), []byte(sampleCSV), 0o600))
	processed, rejected := setLocalEnv(t, incoming)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"once"})
	require.NoError(t, root.Execute())

	var summary poller.CycleSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, 1, summary.Ingested)
	assert.Equal(t, 1, summary.Accepted)
	assert.Equal(t, 1, summary.Rejected)

	assert.FileExists(t, filepath.Join(processed, "batch.csv"))
	quarantined, err := filepath.Glob(filepath.Join(rejected, "rejected", "*", "batch_*.json"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestIngestFileCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manual.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))
	setLocalEnv(t, t.TempDir())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"ingest-file", "--id", "manual-1", path})
	require.NoError(t, root.Execute())

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, pipeline.Result{Accepted: 1, Rejected: 1}, res)
}

func TestFileChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.csv")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	sum, err := fileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}

func TestStartInProcessArchiver_RequiresArchiveStore(t *testing.T) {
	values := localValues(t)
	values["archive.kind"] = "gcs"
	a := testApp(t, values)

	_, cons, err := a.publisher(context.Background())
	require.NoError(t, err)

	err = startInProcessArchiver(context.Background(), a, cons)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive")
}

func TestStartInProcessArchiver_DrainsMemoryQueue(t *testing.T) {
	values := localValues(t)
	values["queue.buffer"] = "2"
	a := testApp(t, values)
	ctx := context.Background()

	proc, cons, err := a.processor(ctx)
	require.NoError(t, err)
	require.NoError(t, startInProcessArchiver(ctx, a, cons))

	csv := "transaction_id,transaction_type,amount,timestamp,customer_id,metadata\n" +
		"T1,DEPOSIT,1,2024-01-15T10:00:00Z,C1,\n" +
		"T2,DEPOSIT,2,2024-01-15T10:00:00Z,C1,\n" +
		"T3,DEPOSIT,3,2024-01-15T10:00:00Z,C1,\n" +
		"T4,DEPOSIT,4,2024-01-15T10:00:00Z,C1,\n"

	done := make(chan pipeline.Result, 1)
	go func() {
		res, _ := proc.Process(ctx, "f1", "a.csv", strings.NewReader(csv))
		done <- res
	}()

	select {
	case res := <-done:
		assert.Equal(t, 4, res.Accepted)
	case <-time.After(5 * time.Second):
		t.Fatal("Process blocked on a full memory queue")
	}

	pattern := filepath.Join(values["archive.dir"], "processed-transactions", "2024", "01", "15", "*.json")
	assert.Eventually(t, func() bool {
		archived, _ := filepath.Glob(pattern)
		return len(archived) == 4
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOnceCmd_MemoryQueueWithoutArchiveFails(t *testing.T) {
	setLocalEnv(t, t.TempDir())
	t.Setenv("TXINGEST_ARCHIVE_KIND", "gcs")
	t.Setenv("TXINGEST_ARCHIVE_BUCKET", "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"once"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive store")
}
