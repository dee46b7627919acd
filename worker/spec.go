package worker

import (
	"fmt"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/c360studio/issueflow/queue"
)

// Container labels used to rediscover issueflow workers after a
// restart.
const (
	LabelTaskID     = "io.issueflow.task-id"
	LabelWorkflowID = "io.issueflow.workflow-id"
	LabelWorkerID   = "io.issueflow.worker-id"
)

// defaultPlatforms is assumed when a work item carries no requirements.
var defaultPlatforms = map[string]string{"nodejs": "18.16.0"}

// Spec is the declarative description of one worker container.
type Spec struct {
	TaskID        string
	WorkflowID    string
	WorkerID      string
	Platforms     map[string]string
	Image         string
	ContainerName string
	Env           map[string]string
	Binds         []string
	Command       []string
	Labels        map[string]string
	MemoryBytes   int64
	NanoCPUs      int64
}

// CreateWorkerSpec builds the container spec for a work item: image for
// the requested platform set, unique instance name, task environment,
// shared workspace and data mounts, resource ceilings, and the worker
// entrypoint identifying the item.
func (p *Pool) CreateWorkerSpec(item *queue.WorkItem) (*Spec, error) {
	platforms := item.PlatformRequirements
	if len(platforms) == 0 {
		platforms = defaultPlatforms
	}

	// Worker identity is per instance, not per task: retries of the
	// same task get distinct workers and distinct recovery records.
	instanceID := shortID(uuid.New().String())
	workerID := fmt.Sprintf("worker-%s", instanceID)
	containerName := fmt.Sprintf("issueflow-%s-%d", instanceID, p.now().Unix())

	memoryBytes, err := units.RAMInBytes(p.cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("parse memory limit %q: %w", p.cfg.MemoryLimit, err)
	}

	env := map[string]string{
		"TASK_ID":            item.TaskID,
		"REPO":               item.Repo,
		"ENABLED_PLATFORMS":  platformString(platforms),
		"WORKER_MODE":        "true",
		"ISSUEFLOW_NATS_URL": p.cfg.NATSURL,
	}
	if item.IssueNumber > 0 {
		env["ISSUE_NUMBER"] = fmt.Sprintf("%d", item.IssueNumber)
	}

	return &Spec{
		TaskID:        item.TaskID,
		WorkerID:      workerID,
		Platforms:     platforms,
		Image:         ImageName(p.cfg.BaseImage, platforms),
		ContainerName: containerName,
		Env:           env,
		Binds: []string{
			fmt.Sprintf("%s:/workspace:rw", p.cfg.WorkspaceDir),
			fmt.Sprintf("%s:/bot/data:rw", p.cfg.DataDir),
		},
		Command: []string{
			"issueflow", "worker",
			"--task-id", item.TaskID,
			"--workspace", "/workspace",
			"--data", "/bot/data",
		},
		Labels: map[string]string{
			LabelTaskID:   item.TaskID,
			LabelWorkerID: workerID,
		},
		MemoryBytes: memoryBytes,
		NanoCPUs:    int64(p.cfg.CPULimit * 1e9),
	}, nil
}

// ImageName derives the worker image tag from the platform set, so
// images are cached per platform signature.
func ImageName(baseImage string, platforms map[string]string) string {
	if len(platforms) == 0 {
		return baseImage + ":latest"
	}
	parts := make([]string, 0, len(platforms))
	for platform, version := range platforms {
		parts = append(parts, platform+"-"+version)
	}
	sort.Strings(parts)
	return baseImage + ":" + strings.Join(parts, "-")
}

// platformString renders a platform map as "name:version,..." for the
// worker environment, in stable order.
func platformString(platforms map[string]string) string {
	parts := make([]string, 0, len(platforms))
	for platform, version := range platforms {
		parts = append(parts, platform+":"+version)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Info is the tracked record of one running worker. It exists only
// while the container runs, persisted solely so a restarted
// orchestrator can rediscover in-flight workers.
type Info struct {
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	TaskID        string            `json:"task_id"`
	WorkflowID    string            `json:"workflow_id,omitempty"`
	WorkerID      string            `json:"worker_id"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	Platforms     map[string]string `json:"platforms"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
}
