// Package worker manages ephemeral isolated execution environments,
// one per active workflow step, under a concurrency ceiling. Workers
// communicate results only by writing status records; the pool tracks
// liveness and reclaims orphans.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/issueflow/queue"
	"github.com/c360studio/issueflow/storage"
)

// ErrPoolFull is returned by Spawn when the concurrency cap is reached.
var ErrPoolFull = errors.New("worker pool at capacity")

// ErrWorkerNotFound is returned when no active worker matches a task.
var ErrWorkerNotFound = errors.New("no active worker for task")

// ErrTaskHasWorker is returned by SpawnWorker when an active worker
// already holds the task.
var ErrTaskHasWorker = errors.New("task already has an active worker")

// Terminal container statuses as reported by the runtime.
const (
	statusExited  = "exited"
	statusDead    = "dead"
	statusRemoved = "removed"
)

// Config holds pool settings.
type Config struct {
	MaxWorkers   int
	BaseImage    string
	WorkspaceDir string
	DataDir      string
	MemoryLimit  string  // e.g. "2g"
	CPULimit     float64 // CPUs per worker
	NATSURL      string  // handed to workers so they can reach the stores
	StopGrace    time.Duration
}

// StatusUpdate reports one worker whose status changed since the last
// monitor pass.
type StatusUpdate struct {
	TaskID     string
	WorkflowID string
	WorkerID   string
	Status     string
	ExitCode   int
}

// Terminal reports whether the update represents a finished worker.
func (u StatusUpdate) Terminal() bool {
	return u.Status == statusExited || u.Status == statusDead || u.Status == statusRemoved
}

// Stats summarizes pool occupancy.
type Stats struct {
	ActiveWorkers int    `json:"active_workers"`
	MaxWorkers    int    `json:"max_workers"`
	Workers       []Info `json:"workers"`
}

// Pool manages worker containers under the concurrency cap. All access
// to the active set is mutex-guarded; resource ceilings are enforced
// here, never self-reported by workers.
type Pool struct {
	cfg     Config
	runtime Runtime
	bucket  storage.Bucket
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*Info // keyed by container id
}

// NewPool creates a worker pool. The bucket persists worker records for
// crash recovery.
func NewPool(cfg Config, runtime Runtime, bucket storage.Bucket, logger *slog.Logger) *Pool {
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		runtime: runtime,
		bucket:  bucket,
		logger:  logger,
		now:     time.Now,
		active:  make(map[string]*Info),
	}
}

// CanSpawnWorker reports whether the pool has a free slot.
func (p *Pool) CanSpawnWorker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active) < p.cfg.MaxWorkers
}

// ActiveCount returns the number of live workers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// SpawnWorker starts a worker container for the work item and returns
// its worker id. Fails with ErrPoolFull when the cap is reached and
// with ErrTaskHasWorker when a live worker still holds the task, so a
// timed-out step cannot end up with two workers; a failed spawn has no
// side effects.
func (p *Pool) SpawnWorker(ctx context.Context, item *queue.WorkItem, workflowID string) (string, error) {
	if !p.CanSpawnWorker() {
		p.logger.Warn("cannot spawn worker: pool at capacity",
			"max_workers", p.cfg.MaxWorkers)
		return "", ErrPoolFull
	}
	if _, existing, ok := p.findByTask(item.TaskID); ok {
		p.logger.Warn("refusing duplicate worker for task",
			"task_id", item.TaskID, "worker_id", existing.WorkerID)
		return "", fmt.Errorf("%w: %s", ErrTaskHasWorker, item.TaskID)
	}

	spec, err := p.CreateWorkerSpec(item)
	if err != nil {
		return "", fmt.Errorf("create worker spec: %w", err)
	}
	spec.WorkflowID = workflowID
	if workflowID != "" {
		spec.Env["WORKFLOW_ID"] = workflowID
		spec.Labels[LabelWorkflowID] = workflowID
	}

	if err := p.runtime.EnsureImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("ensure worker image %s: %w", spec.Image, err)
	}

	containerID, err := p.runtime.StartContainer(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("start worker container: %w", err)
	}

	info := &Info{
		ContainerID:   containerID,
		ContainerName: spec.ContainerName,
		TaskID:        item.TaskID,
		WorkflowID:    workflowID,
		WorkerID:      spec.WorkerID,
		Status:        "running",
		CreatedAt:     p.now().UTC(),
		Platforms:     spec.Platforms,
	}

	p.mu.Lock()
	p.active[containerID] = info
	p.mu.Unlock()

	if err := p.persistRecord(ctx, info); err != nil {
		// The worker is already running; losing the recovery record is
		// survivable, staleness cleanup covers the gap.
		p.logger.Warn("failed to persist worker record",
			"worker_id", info.WorkerID, "error", err)
	}

	p.logger.Info("spawned worker",
		"worker_id", info.WorkerID,
		"task_id", item.TaskID,
		"image", spec.Image)
	return info.WorkerID, nil
}

// MonitorWorkers polls every tracked worker and returns an update for
// each whose status changed since the last poll. Terminal workers are
// deregistered along with their recovery records.
func (p *Pool) MonitorWorkers(ctx context.Context) []StatusUpdate {
	p.mu.Lock()
	tracked := make(map[string]*Info, len(p.active))
	for id, info := range p.active {
		tracked[id] = info
	}
	p.mu.Unlock()

	var updates []StatusUpdate
	for containerID, info := range tracked {
		state, err := p.runtime.InspectContainer(ctx, containerID)
		if err != nil {
			if errors.Is(err, ErrContainerNotFound) {
				p.deregister(ctx, containerID, info)
				updates = append(updates, StatusUpdate{
					TaskID:     info.TaskID,
					WorkflowID: info.WorkflowID,
					WorkerID:   info.WorkerID,
					Status:     statusRemoved,
				})
				continue
			}
			p.logger.Error("error monitoring worker",
				"worker_id", info.WorkerID, "error", err)
			continue
		}

		if state.Status == info.Status {
			continue
		}

		p.logger.Info("worker status changed",
			"worker_id", info.WorkerID,
			"from", info.Status,
			"to", state.Status)
		info.Status = state.Status
		updates = append(updates, StatusUpdate{
			TaskID:     info.TaskID,
			WorkflowID: info.WorkflowID,
			WorkerID:   info.WorkerID,
			Status:     state.Status,
			ExitCode:   state.ExitCode,
		})

		if state.Status == statusExited || state.Status == statusDead {
			p.deregister(ctx, containerID, info)
			if err := p.runtime.RemoveContainer(ctx, containerID); err != nil {
				p.logger.Warn("failed to remove finished container",
					"worker_id", info.WorkerID, "error", err)
			}
		}
	}
	return updates
}

// StopWorker stops the worker running the given task.
func (p *Pool) StopWorker(ctx context.Context, taskID string) error {
	containerID, info, ok := p.findByTask(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, taskID)
	}
	if err := p.runtime.StopContainer(ctx, containerID, 30*time.Second); err != nil {
		return fmt.Errorf("stop worker %s: %w", info.WorkerID, err)
	}
	p.logger.Info("stopped worker", "worker_id", info.WorkerID, "task_id", taskID)
	return nil
}

// GetWorkerLogs returns the trailing log output of the worker running
// the given task.
func (p *Pool) GetWorkerLogs(ctx context.Context, taskID string) (string, error) {
	containerID, _, ok := p.findByTask(taskID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkerNotFound, taskID)
	}
	return p.runtime.ContainerLogs(ctx, containerID, 1000)
}

// CleanupStaleWorkers force-stops and deregisters workers older than
// the timeout regardless of reported health. Returns the count
// reclaimed.
func (p *Pool) CleanupStaleWorkers(ctx context.Context, timeout time.Duration) int {
	cutoff := p.now().UTC().Add(-timeout)

	p.mu.Lock()
	stale := make(map[string]*Info)
	for id, info := range p.active {
		if info.CreatedAt.Before(cutoff) {
			stale[id] = info
		}
	}
	p.mu.Unlock()

	cleaned := 0
	for containerID, info := range stale {
		if err := p.runtime.StopContainer(ctx, containerID, p.cfg.StopGrace); err != nil {
			p.logger.Error("error stopping stale worker",
				"worker_id", info.WorkerID, "error", err)
		}
		if err := p.runtime.RemoveContainer(ctx, containerID); err != nil {
			p.logger.Warn("error removing stale worker container",
				"worker_id", info.WorkerID, "error", err)
		}
		p.deregister(ctx, containerID, info)
		cleaned++
		p.logger.Info("cleaned up stale worker", "worker_id", info.WorkerID)
	}
	return cleaned
}

// Shutdown stops and deregisters every active worker for a clean drain.
func (p *Pool) Shutdown(ctx context.Context) {
	p.logger.Info("shutting down worker pool")

	p.mu.Lock()
	remaining := make(map[string]*Info, len(p.active))
	for id, info := range p.active {
		remaining[id] = info
	}
	p.mu.Unlock()

	for containerID, info := range remaining {
		if err := p.runtime.StopContainer(ctx, containerID, p.cfg.StopGrace); err != nil {
			p.logger.Error("error stopping worker during shutdown",
				"worker_id", info.WorkerID, "error", err)
		}
		if err := p.runtime.RemoveContainer(ctx, containerID); err != nil {
			p.logger.Warn("error removing worker container during shutdown",
				"worker_id", info.WorkerID, "error", err)
		}
		p.deregister(ctx, containerID, info)
	}

	p.logger.Info("worker pool shutdown complete")
}

// Recover reloads persisted worker records after a restart, re-adopting
// containers that are still alive and dropping records for vanished
// ones.
func (p *Pool) Recover(ctx context.Context) error {
	keys, err := p.bucket.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list worker records: %w", err)
	}

	adopted := 0
	for _, key := range keys {
		entry, err := p.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var info Info
		if err := json.Unmarshal(entry.Value, &info); err != nil {
			p.logger.Warn("skipping corrupt worker record", "worker_id", key, "error", err)
			if err := p.bucket.Delete(ctx, key); err != nil {
				p.logger.Warn("failed to delete corrupt worker record", "worker_id", key, "error", err)
			}
			continue
		}

		state, err := p.runtime.InspectContainer(ctx, info.ContainerID)
		if err != nil || !state.Running {
			if err := p.bucket.Delete(ctx, key); err != nil {
				p.logger.Warn("failed to delete stale worker record", "worker_id", key, "error", err)
			}
			continue
		}

		info.Status = state.Status
		p.mu.Lock()
		p.active[info.ContainerID] = &info
		p.mu.Unlock()
		adopted++
		p.logger.Info("recovered in-flight worker",
			"worker_id", info.WorkerID, "task_id", info.TaskID)
	}

	if adopted > 0 {
		p.logger.Info("worker recovery complete", "adopted", adopted)
	}
	return nil
}

// GetWorkerStats returns a snapshot of pool occupancy.
func (p *Pool) GetWorkerStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		ActiveWorkers: len(p.active),
		MaxWorkers:    p.cfg.MaxWorkers,
		Workers:       make([]Info, 0, len(p.active)),
	}
	for _, info := range p.active {
		stats.Workers = append(stats.Workers, *info)
	}
	return stats
}

func (p *Pool) findByTask(taskID string) (string, *Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for containerID, info := range p.active {
		if info.TaskID == taskID {
			return containerID, info, true
		}
	}
	return "", nil, false
}

func (p *Pool) deregister(ctx context.Context, containerID string, info *Info) {
	p.mu.Lock()
	delete(p.active, containerID)
	p.mu.Unlock()

	if err := p.bucket.Delete(ctx, info.WorkerID); err != nil {
		p.logger.Warn("failed to delete worker record",
			"worker_id", info.WorkerID, "error", err)
	}
}

func (p *Pool) persistRecord(ctx context.Context, info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker record: %w", err)
	}
	if _, err := p.bucket.Create(ctx, info.WorkerID, data); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A stale record from a previous run; overwrite it.
			entry, getErr := p.bucket.Get(ctx, info.WorkerID)
			if getErr != nil {
				return getErr
			}
			_, err = p.bucket.Update(ctx, info.WorkerID, data, entry.Revision)
		}
		if err != nil {
			return fmt.Errorf("store worker record: %w", err)
		}
	}
	return nil
}
