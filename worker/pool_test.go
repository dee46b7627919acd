package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/issueflow/queue"
	"github.com/c360studio/issueflow/storage"
)

// fakeRuntime is an in-memory container engine for pool tests.
type fakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	pulled     []string
	startErr   error
}

type fakeContainer struct {
	spec    *Spec
	state   ContainerState
	stopped bool
	removed bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) EnsureImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, spec *Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		spec:  spec,
		state: ContainerState{Status: "running", Running: true},
	}
	return id, nil
}

func (f *fakeRuntime) InspectContainer(_ context.Context, containerID string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok || c.removed {
		return ContainerState{}, ErrContainerNotFound
	}
	return c.state, nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok || c.removed {
		return ErrContainerNotFound
	}
	c.stopped = true
	c.state = ContainerState{Status: statusExited, Running: false}
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.removed = true
	}
	return nil
}

func (f *fakeRuntime) ContainerLogs(_ context.Context, containerID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; !ok || c.removed {
		return "", ErrContainerNotFound
	}
	return "log output\n", nil
}

func (f *fakeRuntime) ListContainers(_ context.Context, labelKey string) ([]RunningContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RunningContainer
	for id, c := range f.containers {
		if c.removed {
			continue
		}
		if _, ok := c.spec.Labels[labelKey]; !ok {
			continue
		}
		out = append(out, RunningContainer{
			ID:     id,
			Name:   c.spec.ContainerName,
			Labels: c.spec.Labels,
			State:  c.state.Status,
		})
	}
	return out, nil
}

func (f *fakeRuntime) setState(containerID string, state ContainerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[containerID].state = state
}

func testPoolConfig() Config {
	return Config{
		MaxWorkers:   2,
		BaseImage:    "issueflow-worker",
		WorkspaceDir: "/srv/workspace",
		DataDir:      "/srv/data",
		MemoryLimit:  "2g",
		CPULimit:     1.5,
		NATSURL:      "nats://localhost:4222",
	}
}

func newTestPool(t *testing.T) (*Pool, *fakeRuntime, storage.Bucket) {
	t.Helper()
	rt := newFakeRuntime()
	bucket := storage.NewMemoryBucket()
	p := NewPool(testPoolConfig(), rt, bucket, slog.New(slog.DiscardHandler))
	return p, rt, bucket
}

func testWorkItem(taskID string) *queue.WorkItem {
	return &queue.WorkItem{
		TaskID:               taskID,
		IssueNumber:          42,
		Title:                "Fix login",
		Repo:                 "acme/app",
		PlatformRequirements: map[string]string{"nodejs": "18.16.0"},
		Status:               queue.StatusAssigned,
		CreatedAt:            time.Now().UTC(),
	}
}

func TestSpawnWorker(t *testing.T) {
	ctx := context.Background()
	p, rt, bucket := newTestPool(t)

	workerID, err := p.SpawnWorker(ctx, testWorkItem("task-abc12345"), "workflow-1")
	require.NoError(t, err)
	assert.Regexp(t, `^worker-[0-9a-f]{8}$`, workerID)
	assert.Equal(t, 1, p.ActiveCount())

	// Image pulled for the platform signature.
	require.Len(t, rt.pulled, 1)
	assert.Equal(t, "issueflow-worker:nodejs-18.16.0", rt.pulled[0])

	// Recovery record persisted under the worker id.
	entry, err := bucket.Get(ctx, workerID)
	require.NoError(t, err)
	var info Info
	require.NoError(t, json.Unmarshal(entry.Value, &info))
	assert.Equal(t, "task-abc12345", info.TaskID)
	assert.Equal(t, "workflow-1", info.WorkflowID)
	assert.Equal(t, "running", info.Status)
}

func TestSpawnWorkerSpec(t *testing.T) {
	ctx := context.Background()
	p, rt, _ := newTestPool(t)

	_, err := p.SpawnWorker(ctx, testWorkItem("task-abc12345"), "workflow-1")
	require.NoError(t, err)

	require.Len(t, rt.containers, 1)
	var spec *Spec
	for _, c := range rt.containers {
		spec = c.spec
	}

	assert.Equal(t, "task-abc12345", spec.Env["TASK_ID"])
	assert.Equal(t, "acme/app", spec.Env["REPO"])
	assert.Equal(t, "nodejs:18.16.0", spec.Env["ENABLED_PLATFORMS"])
	assert.Equal(t, "workflow-1", spec.Env["WORKFLOW_ID"])
	assert.Equal(t, "42", spec.Env["ISSUE_NUMBER"])

	assert.Equal(t, "task-abc12345", spec.Labels[LabelTaskID])
	assert.Equal(t, "workflow-1", spec.Labels[LabelWorkflowID])

	assert.Contains(t, spec.Binds, "/srv/workspace:/workspace:rw")
	assert.Contains(t, spec.Binds, "/srv/data:/bot/data:rw")

	assert.Equal(t, int64(2*1024*1024*1024), spec.MemoryBytes)
	assert.Equal(t, int64(1.5e9), spec.NanoCPUs)
}

func TestSpawnWorkerPoolFull(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t)

	_, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "")
	require.NoError(t, err)
	_, err = p.SpawnWorker(ctx, testWorkItem("task-2"), "")
	require.NoError(t, err)

	workerID, err := p.SpawnWorker(ctx, testWorkItem("task-3"), "")
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Empty(t, workerID)
	assert.Equal(t, 2, p.ActiveCount())
}

func TestSpawnWorkerDuplicateTask(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t)

	// A step that timed out gets rescheduled while its first worker is
	// still alive; the pool must hold the one-worker-per-task invariant.
	first, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "workflow-1")
	require.NoError(t, err)

	second, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "workflow-1")
	assert.ErrorIs(t, err, ErrTaskHasWorker)
	assert.Empty(t, second)

	stats := p.GetWorkerStats()
	assert.Equal(t, 1, stats.ActiveWorkers)
	require.Len(t, stats.Workers, 1)
	assert.Equal(t, first, stats.Workers[0].WorkerID)

	// Once the first worker is gone the task may be respawned.
	require.NoError(t, p.StopWorker(ctx, "task-1"))
	p.MonitorWorkers(ctx)
	_, err = p.SpawnWorker(ctx, testWorkItem("task-1"), "workflow-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ActiveCount())
}

func TestSpawnWorkerStartFailure(t *testing.T) {
	ctx := context.Background()
	p, rt, _ := newTestPool(t)
	rt.startErr = fmt.Errorf("daemon unavailable")

	_, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "")
	require.Error(t, err)
	assert.Zero(t, p.ActiveCount(), "failed spawn must not occupy a slot")
}

func TestMonitorWorkersReportsExit(t *testing.T) {
	ctx := context.Background()
	p, rt, bucket := newTestPool(t)

	workerID, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "workflow-1")
	require.NoError(t, err)

	// Nothing changed yet.
	assert.Empty(t, p.MonitorWorkers(ctx))

	var containerID string
	for id := range rt.containers {
		containerID = id
	}
	rt.setState(containerID, ContainerState{Status: statusExited, ExitCode: 0})

	updates := p.MonitorWorkers(ctx)
	require.Len(t, updates, 1)
	assert.Equal(t, "task-1", updates[0].TaskID)
	assert.Equal(t, "workflow-1", updates[0].WorkflowID)
	assert.Equal(t, statusExited, updates[0].Status)
	assert.True(t, updates[0].Terminal())

	// Terminal workers are deregistered and their containers removed.
	assert.Zero(t, p.ActiveCount())
	assert.True(t, rt.containers[containerID].removed)
	_, err = bucket.Get(ctx, workerID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMonitorWorkersVanishedContainer(t *testing.T) {
	ctx := context.Background()
	p, rt, _ := newTestPool(t)

	_, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "")
	require.NoError(t, err)

	for id := range rt.containers {
		rt.containers[id].removed = true
	}

	updates := p.MonitorWorkers(ctx)
	require.Len(t, updates, 1)
	assert.Equal(t, statusRemoved, updates[0].Status)
	assert.True(t, updates[0].Terminal())
	assert.Zero(t, p.ActiveCount())
}

func TestStopWorker(t *testing.T) {
	ctx := context.Background()
	p, rt, _ := newTestPool(t)

	_, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "")
	require.NoError(t, err)

	require.NoError(t, p.StopWorker(ctx, "task-1"))
	for _, c := range rt.containers {
		assert.True(t, c.stopped)
	}

	err = p.StopWorker(ctx, "task-unknown")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestGetWorkerLogs(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t)

	_, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "")
	require.NoError(t, err)

	logs, err := p.GetWorkerLogs(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "log output\n", logs)

	_, err = p.GetWorkerLogs(ctx, "task-unknown")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestCleanupStaleWorkers(t *testing.T) {
	ctx := context.Background()
	p, rt, _ := newTestPool(t)

	// Spawn with a clock 61 minutes in the past, then reset it.
	base := time.Now().UTC()
	p.now = func() time.Time { return base.Add(-61 * time.Minute) }
	_, err := p.SpawnWorker(ctx, testWorkItem("task-old"), "")
	require.NoError(t, err)

	p.now = func() time.Time { return base }
	_, err = p.SpawnWorker(ctx, testWorkItem("task-fresh"), "")
	require.NoError(t, err)

	cleaned := p.CleanupStaleWorkers(ctx, 60*time.Minute)
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 1, p.ActiveCount())

	// The stale one is gone even though it was still running.
	stopped := 0
	for _, c := range rt.containers {
		if c.stopped {
			stopped++
		}
	}
	assert.Equal(t, 1, stopped)

	_, _, ok := p.findByTask("task-fresh")
	assert.True(t, ok)
	_, _, ok = p.findByTask("task-old")
	assert.False(t, ok)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	p, rt, bucket := newTestPool(t)

	_, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "")
	require.NoError(t, err)
	_, err = p.SpawnWorker(ctx, testWorkItem("task-2"), "")
	require.NoError(t, err)

	p.Shutdown(ctx)
	assert.Zero(t, p.ActiveCount())
	for _, c := range rt.containers {
		assert.True(t, c.stopped)
		assert.True(t, c.removed)
	}

	keys, err := bucket.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	bucket := storage.NewMemoryBucket()
	logger := slog.New(slog.DiscardHandler)

	// First pool spawns two workers, then one exits.
	first := NewPool(testPoolConfig(), rt, bucket, logger)
	_, err := first.SpawnWorker(ctx, testWorkItem("task-alive"), "workflow-1")
	require.NoError(t, err)
	deadID, err := first.SpawnWorker(ctx, testWorkItem("task-dead"), "workflow-2")
	require.NoError(t, err)

	aliveContainer, _, ok := first.findByTask("task-alive")
	require.True(t, ok)
	deadContainer, _, ok := first.findByTask("task-dead")
	require.True(t, ok)
	rt.setState(deadContainer, ContainerState{Status: statusExited})

	// A fresh pool over the same bucket re-adopts only the live one.
	second := NewPool(testPoolConfig(), rt, bucket, logger)
	require.NoError(t, second.Recover(ctx))
	assert.Equal(t, 1, second.ActiveCount())

	containerID, info, ok := second.findByTask("task-alive")
	require.True(t, ok)
	assert.Equal(t, aliveContainer, containerID)
	assert.Equal(t, "workflow-1", info.WorkflowID)

	// The dead worker's record is gone.
	_, err = bucket.Get(ctx, deadID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetWorkerStats(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t)

	stats := p.GetWorkerStats()
	assert.Zero(t, stats.ActiveWorkers)
	assert.Equal(t, 2, stats.MaxWorkers)

	_, err := p.SpawnWorker(ctx, testWorkItem("task-1"), "")
	require.NoError(t, err)

	stats = p.GetWorkerStats()
	assert.Equal(t, 1, stats.ActiveWorkers)
	require.Len(t, stats.Workers, 1)
	assert.Equal(t, "task-1", stats.Workers[0].TaskID)
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "base:latest", ImageName("base", nil))
	assert.Equal(t, "base:nodejs-18.16.0", ImageName("base", map[string]string{"nodejs": "18.16.0"}))
	assert.Equal(t, "base:dotnet-8.0-nodejs-18.16.0",
		ImageName("base", map[string]string{"nodejs": "18.16.0", "dotnet": "8.0"}))
}

func TestCreateWorkerSpecDefaults(t *testing.T) {
	p, _, _ := newTestPool(t)

	item := testWorkItem("task-1")
	item.PlatformRequirements = nil
	spec, err := p.CreateWorkerSpec(item)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"nodejs": "18.16.0"}, spec.Platforms)
	assert.Equal(t, "issueflow-worker:nodejs-18.16.0", spec.Image)
}
