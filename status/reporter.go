// Package status publishes periodic operational snapshots for external
// observers. Publication is best-effort; a failed push never affects
// orchestration.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Document is one published status snapshot.
type Document struct {
	Timestamp  time.Time      `json:"timestamp"`
	Queue      map[string]any `json:"queue"`
	Workflows  map[string]any `json:"workflows"`
	Workers    map[string]any `json:"workers"`
	Discovered int            `json:"discovered_total"`
	Uptime     string         `json:"uptime"`
}

// Reporter writes status documents to a local file and optionally
// pushes them to a web endpoint. The push is guarded by a circuit
// breaker so a dead endpoint does not slow the publish cycle.
type Reporter struct {
	dataDir string
	webURL  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
}

// NewReporter creates a reporter writing to dataDir/status.json. An
// empty webURL disables the push.
func NewReporter(dataDir, webURL string, logger *slog.Logger) *Reporter {
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "status-push",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Reporter{
		dataDir: dataDir,
		webURL:  webURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

// Publish writes the document to the status file and, when configured,
// pushes it to the web endpoint. File write errors are returned; push
// errors are logged and swallowed.
func (r *Reporter) Publish(ctx context.Context, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status document: %w", err)
	}

	if err := r.writeFile(data); err != nil {
		return err
	}

	if r.webURL != "" {
		if err := r.push(ctx, data); err != nil {
			r.logger.Warn("status push failed", "url", r.webURL, "error", err)
		}
	}
	return nil
}

// writeFile replaces status.json atomically so readers never observe a
// partial document.
func (r *Reporter) writeFile(data []byte) error {
	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		return fmt.Errorf("create status directory: %w", err)
	}

	target := filepath.Join(r.dataDir, "status.json")
	tmp, err := os.CreateTemp(r.dataDir, "status-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}

func (r *Reporter) push(ctx context.Context, data []byte) error {
	_, err := r.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.webURL, bytes.NewReader(data))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	return err
}
