// Package queue provides the durable task queue: a concurrency-safe
// store of work items with capability-aware assignment and staleness
// reclamation. Assignment is claim-by-CAS, so two concurrent dequeues
// can never both win the same item.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/issueflow/storage"
)

// DefaultMaxRetries is the retry budget for a work item that times out
// while assigned.
const DefaultMaxRetries = 3

// casAttempts bounds the reload-and-retry loop on revision conflicts.
const casAttempts = 5

// ErrNoCompatibleTask is returned by Dequeue when no pending item
// matches the worker's capabilities.
var ErrNoCompatibleTask = errors.New("no compatible pending task")

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// Stats counts items by status.
type Stats struct {
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Queue is the durable task queue backed by an atomic per-key store.
type Queue struct {
	bucket storage.Bucket
	logger *slog.Logger
	now    func() time.Time
}

// New creates a queue on top of the given bucket.
func New(bucket storage.Bucket, logger *slog.Logger) *Queue {
	return &Queue{
		bucket: bucket,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue stores a new pending work item, assigning an id if absent.
func (q *Queue) Enqueue(ctx context.Context, item *WorkItem) error {
	if item.TaskID == "" {
		item.TaskID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now().UTC()
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = DefaultMaxRetries
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if _, err := q.bucket.Create(ctx, item.TaskID, data); err != nil {
		return fmt.Errorf("store work item %s: %w", item.TaskID, err)
	}

	q.logger.Info("enqueued task", "task_id", item.TaskID, "title", item.Title)
	return nil
}

// Dequeue scans pending items in creation order and atomically claims
// the first one compatible with the worker's capabilities. A lost claim
// race just moves the scan to the next candidate.
func (q *Queue) Dequeue(ctx context.Context, workerID string, capabilities map[string]string) (*WorkItem, error) {
	candidates, err := q.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].item.CreatedAt.Equal(candidates[j].item.CreatedAt) {
			return candidates[i].item.TaskID < candidates[j].item.TaskID
		}
		return candidates[i].item.CreatedAt.Before(candidates[j].item.CreatedAt)
	})

	for _, c := range candidates {
		if c.item.Status != StatusPending {
			continue
		}
		if !c.item.CompatibleWith(capabilities) {
			continue
		}

		now := q.now().UTC()
		c.item.Status = StatusAssigned
		c.item.AssignedAt = &now
		c.item.AssignedTo = workerID

		data, err := json.Marshal(c.item)
		if err != nil {
			return nil, fmt.Errorf("marshal work item: %w", err)
		}
		if _, err := q.bucket.Update(ctx, c.item.TaskID, data, c.revision); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				// Another worker claimed it first.
				continue
			}
			return nil, fmt.Errorf("claim task %s: %w", c.item.TaskID, err)
		}

		q.logger.Info("assigned task", "task_id", c.item.TaskID, "worker_id", workerID)
		return c.item, nil
	}

	return nil, ErrNoCompatibleTask
}

// UpdateStatus transitions a task to a new status, applying timestamp
// side effects and merging the optional error and result.
func (q *Queue) UpdateStatus(ctx context.Context, taskID string, status Status, errorMessage string, result map[string]any) error {
	return q.mutate(ctx, taskID, func(item *WorkItem) error {
		item.Status = status
		now := q.now().UTC()
		switch {
		case status == StatusInProgress:
			item.StartedAt = &now
		case status.Terminal():
			item.CompletedAt = &now
		}
		if errorMessage != "" {
			item.ErrorMessage = errorMessage
		}
		if result != nil {
			item.Result = result
		}
		return nil
	})
}

// GetTask returns a task by id regardless of its status.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*WorkItem, error) {
	item, _, err := q.load(ctx, taskID)
	return item, err
}

// GetQueueStats counts items by status across the whole store.
func (q *Queue) GetQueueStats(ctx context.Context) (Stats, error) {
	candidates, err := q.loadAll(ctx)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, c := range candidates {
		switch c.item.Status {
		case StatusPending, StatusRetry:
			stats.Pending++
		case StatusAssigned:
			stats.Assigned++
		case StatusInProgress:
			stats.InProgress++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		stats.Total++
	}
	return stats, nil
}

// CleanupStale reclaims items stuck in ASSIGNED past the timeout:
// requeued with an incremented retry count while budget remains,
// otherwise failed terminally. Returns the number reclaimed.
func (q *Queue) CleanupStale(ctx context.Context, timeout time.Duration) (int, error) {
	candidates, err := q.loadAll(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := q.now().UTC().Add(-timeout)
	reclaimed := 0
	for _, c := range candidates {
		if c.item.Status != StatusAssigned || c.item.AssignedAt == nil {
			continue
		}
		if !c.item.AssignedAt.Before(cutoff) {
			continue
		}

		err := q.mutate(ctx, c.item.TaskID, func(item *WorkItem) error {
			if item.Status != StatusAssigned || item.AssignedAt == nil || !item.AssignedAt.Before(cutoff) {
				return errSkipMutation
			}
			if item.RetryCount < item.MaxRetries {
				item.RetryCount++
				item.Status = StatusPending
				item.AssignedAt = nil
				item.AssignedTo = ""
				item.ErrorMessage = fmt.Sprintf("task timed out after %s (retry %d)", timeout, item.RetryCount)
			} else {
				now := q.now().UTC()
				item.Status = StatusFailed
				item.CompletedAt = &now
				item.ErrorMessage = fmt.Sprintf("task failed after %d retries (timeout)", item.MaxRetries)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, errSkipMutation) {
				continue
			}
			q.logger.Error("failed to reclaim stale task", "task_id", c.item.TaskID, "error", err)
			continue
		}

		reclaimed++
		q.logger.Info("reclaimed stale task", "task_id", c.item.TaskID)
	}
	return reclaimed, nil
}

// errSkipMutation aborts a mutate without writing.
var errSkipMutation = errors.New("skip mutation")

// mutate performs an atomic read-modify-write of one task, retrying a
// bounded number of times on revision conflicts.
func (q *Queue) mutate(ctx context.Context, taskID string, fn func(*WorkItem) error) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		item, rev, err := q.load(ctx, taskID)
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal work item: %w", err)
		}
		_, err = q.bucket.Update(ctx, taskID, data, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("update task %s: %w", taskID, err)
		}
	}
	return fmt.Errorf("update task %s: %w", taskID, storage.ErrConflict)
}

func (q *Queue) load(ctx context.Context, taskID string) (*WorkItem, uint64, error) {
	entry, err := q.bucket.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, 0, err
	}
	var item WorkItem
	if err := json.Unmarshal(entry.Value, &item); err != nil {
		return nil, 0, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return &item, entry.Revision, nil
}

type candidate struct {
	item     *WorkItem
	revision uint64
}

// loadAll reads every item, skipping records that fail to load so one
// corrupt entry cannot halt the scan.
func (q *Queue) loadAll(ctx context.Context) ([]candidate, error) {
	keys, err := q.bucket.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	candidates := make([]candidate, 0, len(keys))
	for _, key := range keys {
		entry, err := q.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var item WorkItem
		if err := json.Unmarshal(entry.Value, &item); err != nil {
			q.logger.Warn("skipping corrupt task record", "task_id", key, "error", err)
			continue
		}
		candidates = append(candidates, candidate{item: &item, revision: entry.Revision})
	}
	return candidates, nil
}
