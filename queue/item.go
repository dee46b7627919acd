package queue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates the lifecycle of a work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority orders work items for human consumption. Dequeue order is
// creation order; priority is carried, not scheduled on.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "medium"
	}
}

// ParsePriority maps a priority name back to its value. Unknown names
// are medium.
func ParsePriority(name string) Priority {
	switch name {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

// WorkItem is one atomic unit of queued work bound to a single step
// execution attempt. Items are never hard-deleted; terminal items remain
// as an audit trail.
type WorkItem struct {
	TaskID               string            `json:"task_id"`
	IssueNumber          int               `json:"issue_number,omitempty"`
	Title                string            `json:"title"`
	Description          string            `json:"description"`
	Repo                 string            `json:"repo"`
	PlatformRequirements map[string]string `json:"platform_requirements,omitempty"`
	Priority             Priority          `json:"priority"`
	Status               Status            `json:"status"`
	CreatedAt            time.Time         `json:"created_at"`
	AssignedAt           *time.Time        `json:"assigned_at,omitempty"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	AssignedTo           string            `json:"assigned_to,omitempty"`
	RetryCount           int               `json:"retry_count"`
	MaxRetries           int               `json:"max_retries"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	Result               map[string]any    `json:"result,omitempty"`
}

// NewWorkItem returns a pending work item with defaults applied.
func NewWorkItem(title, description, repo string) *WorkItem {
	return &WorkItem{
		TaskID:      uuid.New().String(),
		Title:       title,
		Description: description,
		Repo:        repo,
		Priority:    PriorityMedium,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		MaxRetries:  DefaultMaxRetries,
	}
}

// CompatibleWith reports whether a worker declaring the given platform
// capabilities can execute this item. An item with no requirements
// matches any worker; otherwise every required platform must be declared
// with a compatible version.
func (w *WorkItem) CompatibleWith(capabilities map[string]string) bool {
	if len(w.PlatformRequirements) == 0 {
		return true
	}
	if len(capabilities) == 0 {
		return false
	}
	for platform, required := range w.PlatformRequirements {
		available, ok := capabilities[platform]
		if !ok {
			return false
		}
		if !VersionsCompatible(required, available) {
			return false
		}
	}
	return true
}

// VersionsCompatible matches on major.minor equality; "latest" on either
// side matches anything. Patch components are deliberately ignored.
func VersionsCompatible(required, available string) bool {
	if required == "latest" || available == "latest" {
		return true
	}
	reqParts := strings.Split(required, ".")
	availParts := strings.Split(available, ".")
	if len(reqParts) >= 2 && len(availParts) >= 2 {
		return reqParts[0] == availParts[0] && reqParts[1] == availParts[1]
	}
	return required == available
}
