package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDocument() *Document {
	return &Document{
		Timestamp: time.Now().UTC(),
		Queue:     map[string]any{"pending": 3},
		Workflows: map[string]any{"total": 2},
		Workers:   map[string]any{"active": 1},
		Uptime:    "5m0s",
	}
}

func TestPublishWritesFile(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir, "", slog.New(slog.DiscardHandler))

	require.NoError(t, r.Publish(context.Background(), testDocument()))

	data, err := os.ReadFile(filepath.Join(dir, "status.json"))
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, float64(3), doc.Queue["pending"])
	assert.Equal(t, "5m0s", doc.Uptime)
}

func TestPublishOverwritesPrevious(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir, "", slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, testDocument()))

	doc := testDocument()
	doc.Uptime = "10m0s"
	require.NoError(t, r.Publish(ctx, doc))

	data, err := os.ReadFile(filepath.Join(dir, "status.json"))
	require.NoError(t, err)
	var got Document
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "10m0s", got.Uptime)

	// No leftover temp files.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPublishPushesToWeb(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter(t.TempDir(), srv.URL, slog.New(slog.DiscardHandler))
	require.NoError(t, r.Publish(context.Background(), testDocument()))
	assert.Equal(t, int32(1), received.Load())
}

func TestPublishSurvivesWebFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := NewReporter(dir, srv.URL, slog.New(slog.DiscardHandler))

	// The push fails but the local file is still written.
	require.NoError(t, r.Publish(context.Background(), testDocument()))
	_, err := os.Stat(filepath.Join(dir, "status.json"))
	assert.NoError(t, err)
}

func TestPushBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewReporter(t.TempDir(), srv.URL, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Publish(ctx, testDocument()))
	}

	// After three consecutive failures the breaker opens and further
	// publishes skip the endpoint entirely.
	assert.Equal(t, int32(3), hits.Load())
}
