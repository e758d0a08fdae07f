package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferWriter struct {
	bytes.Buffer
	closed   bool
	closeErr error
}

func (w *bufferWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func TestGCSStore_Put(t *testing.T) {
	w := &bufferWriter{}
	var gotKey, gotType string
	s := &GCSStore{
		bucket: "quarantine",
		newWriter: func(ctx context.Context, key, contentType string) io.WriteCloser {
			gotKey, gotType = key, contentType
			return w
		},
	}

	err := s.Put(context.Background(), "rejected/f1/batch_x.json", "application/json", []byte(`{"a":"1"}`))
	require.NoError(t, err)

	assert.Equal(t, "rejected/f1/batch_x.json", gotKey)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, `{"a":"1"}`, w.String())
	assert.True(t, w.closed)
}

func TestGCSStore_PutFinalizeError(t *testing.T) {
	w := &bufferWriter{closeErr: errors.New("permission denied")}
	s := &GCSStore{
		bucket: "quarantine",
		newWriter: func(ctx context.Context, key, contentType string) io.WriteCloser {
			return w
		},
	}

	err := s.Put(context.Background(), "k.json", "application/json", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finalize upload gs://quarantine/k.json")
}

func TestDirStore_Put(t *testing.T) {
	root := t.TempDir()
	s := NewDirStore(root)

	err := s.Put(context.Background(), "processed-transactions/2024/01/15/T1.json", "application/json", []byte("{}"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "processed-transactions", "2024", "01", "15", "T1.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestDirStore_RejectsEscapingKeys(t *testing.T) {
	s := NewDirStore(t.TempDir())

	for _, key := range []string{"../outside.json", "/etc/passwd", "a/../../b.json"} {
		t.Run(key, func(t *testing.T) {
			assert.Error(t, s.Put(context.Background(), key, "", []byte("x")))
		})
	}
}
