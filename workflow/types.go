package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Step is one stage of a workflow's fixed linear sequence.
type Step string

const (
	StepAnalysis         Step = "analysis"
	StepPlanning         Step = "planning"
	StepImplementation   Step = "implementation"
	StepPRCreation       Step = "pr_creation"
	StepFeedbackHandling Step = "feedback_handling"
	StepCompletion       Step = "completion"
)

// Status enumerates workflow lifecycle states.
type Status string

const (
	StatusPending            Status = "pending"
	StatusInProgress         Status = "in_progress"
	StatusWaitingForFeedback Status = "waiting_for_feedback"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusBlocked            Status = "blocked"
)

// Well-known context keys. Context is an open bag; these are the keys
// the control plane itself reads and writes. Values are validated where
// read, never assumed present.
const (
	ContextKeyPlatformRequirements = "platform_requirements"
	ContextKeyPriority             = "priority"
	ContextKeyLabels               = "labels"
	ContextKeyDiscoveredBy         = "discovered_by"
	ContextKeyCurrentWorker        = "current_worker"
	ContextKeyStepStartedAt        = "step_started_at"
	ContextKeyLastError            = "last_error"
	ContextKeyFailureReason        = "failure_reason"
	ContextKeyFeedbackRequestedAt  = "feedback_requested_at"
)

// HistoryEntry is one append-only record of a step outcome.
type HistoryEntry struct {
	Step      Step           `json:"step"`
	Timestamp time.Time      `json:"timestamp"`
	Result    map[string]any `json:"result,omitempty"`
	Outcome   string         `json:"outcome"` // completed, retry
}

// State is the persisted record of one workflow.
type State struct {
	WorkflowID  string         `json:"workflow_id"`
	IssueNumber int            `json:"issue_number"`
	Repo        string         `json:"repo"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	CurrentStep Step           `json:"current_step"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StepHistory []HistoryEntry `json:"step_history"`
	Context     map[string]any `json:"context"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
}

// StepTaskID derives the work item id for the workflow's current step.
func (s *State) StepTaskID() string {
	return fmt.Sprintf("%s-%s", s.WorkflowID, s.CurrentStep)
}

// PlatformRequirements reads the platform requirement map out of the
// context bag, tolerating the map[string]any shape JSON round-trips
// produce.
func (s *State) PlatformRequirements() map[string]string {
	raw, ok := s.Context[ContextKeyPlatformRequirements]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for platform, version := range v {
			if str, ok := version.(string); ok {
				out[platform] = str
			}
		}
		return out
	default:
		return nil
	}
}

// StepStartedAt reads the current step's start time from context.
func (s *State) StepStartedAt() (time.Time, bool) {
	raw, ok := s.Context[ContextKeyStepStartedAt]
	if !ok {
		return time.Time{}, false
	}
	str, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	started, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}, false
	}
	return started, true
}

// StepFromTaskID extracts the trailing step name from a step task id
// produced by StepTaskID.
func StepFromTaskID(taskID string) (Step, bool) {
	for _, step := range Steps() {
		if strings.HasSuffix(taskID, "-"+string(step)) {
			return step, true
		}
	}
	return "", false
}

// NewWorkflowID derives a workflow id from the repository, issue number
// and creation time, so ids are unique and traceable.
func NewWorkflowID(repo string, issueNumber int, createdAt time.Time) string {
	return fmt.Sprintf("workflow-%s-%d-%d", strings.ReplaceAll(repo, "/", "-"), issueNumber, createdAt.Unix())
}
