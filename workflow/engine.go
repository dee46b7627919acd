// Package workflow provides the per-issue multi-step state machine:
// a fixed linear step sequence with per-step timeout and retry policy,
// and a suspension state for steps awaiting external feedback.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/issueflow/queue"
	"github.com/c360studio/issueflow/storage"
)

// DefaultMaxRetries is the per-step retry budget.
const DefaultMaxRetries = 2

const casAttempts = 5

var (
	// ErrWorkflowNotFound is returned for unknown workflow ids.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrFeedbackNotAllowed is returned when the current step's policy
	// does not permit suspending for feedback.
	ErrFeedbackNotAllowed = errors.New("step cannot wait for feedback")

	// ErrNoPendingStep is returned by NextWorkItem when no workflow has
	// a step ready to execute.
	ErrNoPendingStep = errors.New("no pending workflow step")
)

// StepWork describes one ready-to-execute workflow step.
type StepWork struct {
	WorkflowID  string         `json:"workflow_id"`
	TaskID      string         `json:"task_id"`
	Step        Step           `json:"workflow_step"`
	Template    string         `json:"template"`
	IssueNumber int            `json:"issue_number"`
	Repo        string         `json:"repo"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context"`
	StepHistory []HistoryEntry `json:"step_history"`
	RetryCount  int            `json:"retry_count"`
}

// PlatformRequirements reads the platform requirement map out of the
// step's context bag.
func (w *StepWork) PlatformRequirements() map[string]string {
	state := State{Context: w.Context}
	return state.PlatformRequirements()
}

// Stats aggregates workflow counts for observability.
type Stats struct {
	Total          int            `json:"total_workflows"`
	ByStatus       map[string]int `json:"by_status"`
	ByStep         map[string]int `json:"by_step"`
	CompletionRate float64        `json:"completion_rate"`
}

// Engine drives workflow state transitions against an atomic store.
type Engine struct {
	bucket     storage.Bucket
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

// NewEngine creates a workflow engine on top of the given bucket.
func NewEngine(bucket storage.Bucket, logger *slog.Logger) *Engine {
	return &Engine{
		bucket:     bucket,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
}

// SetMaxRetries overrides the per-step retry budget applied to newly
// created workflows. Non-positive values are ignored.
func (e *Engine) SetMaxRetries(n int) {
	if n > 0 {
		e.maxRetries = n
	}
}

// CreateWorkflow persists a new workflow at the analysis step and
// returns its id.
func (e *Engine) CreateWorkflow(ctx context.Context, issueNumber int, repo, title, description string, workflowContext map[string]any) (string, error) {
	now := e.now().UTC()
	if workflowContext == nil {
		workflowContext = make(map[string]any)
	}

	state := &State{
		WorkflowID:  NewWorkflowID(repo, issueNumber, now),
		IssueNumber: issueNumber,
		Repo:        repo,
		Title:       title,
		Description: description,
		CurrentStep: StepAnalysis,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		StepHistory: []HistoryEntry{},
		Context:     workflowContext,
		RetryCount:  0,
		MaxRetries:  e.maxRetries,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}
	if _, err := e.bucket.Create(ctx, state.WorkflowID, data); err != nil {
		return "", fmt.Errorf("store workflow %s: %w", state.WorkflowID, err)
	}

	e.logger.Info("created workflow",
		"workflow_id", state.WorkflowID,
		"repo", repo,
		"issue", issueNumber)
	return state.WorkflowID, nil
}

// GetWorkflow returns a workflow by id.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*State, error) {
	state, _, err := e.load(ctx, workflowID)
	return state, err
}

// NextWorkItem returns the oldest workflow step ready for execution.
// In-progress workflows found past their step's max duration are routed
// through the retry path instead of being returned, then the scan
// continues.
func (e *Engine) NextWorkItem(ctx context.Context, capabilities map[string]string) (*StepWork, error) {
	states, err := e.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})

	for _, state := range states {
		if state.Status == StatusInProgress && e.stepTimedOut(state) {
			retryable, err := e.RetryCurrentStep(ctx, state.WorkflowID, "workflow step timed out")
			if err != nil {
				e.logger.Error("failed to retry timed-out step",
					"workflow_id", state.WorkflowID, "error", err)
				continue
			}
			if !retryable {
				continue
			}
			// The retried step is pending again and eligible this scan.
			reloaded, _, err := e.load(ctx, state.WorkflowID)
			if err != nil {
				continue
			}
			state = reloaded
		}
		if state.Status != StatusPending {
			continue
		}
		if !e.workerCanHandle(state, capabilities) {
			continue
		}

		cfg, ok := ConfigFor(state.CurrentStep)
		if !ok {
			e.logger.Warn("workflow at unknown step", "workflow_id", state.WorkflowID, "step", state.CurrentStep)
			continue
		}

		return &StepWork{
			WorkflowID:  state.WorkflowID,
			TaskID:      state.StepTaskID(),
			Step:        state.CurrentStep,
			Template:    cfg.Template,
			IssueNumber: state.IssueNumber,
			Repo:        state.Repo,
			Title:       state.Title,
			Description: state.Description,
			Context:     state.Context,
			StepHistory: state.StepHistory,
			RetryCount:  state.RetryCount,
		}, nil
	}

	return nil, ErrNoPendingStep
}

// MarkStepInProgress transitions a pending step to in-progress and
// records the worker and start time in context.
func (e *Engine) MarkStepInProgress(ctx context.Context, workflowID, workerID string) error {
	return e.mutate(ctx, workflowID, func(state *State) error {
		state.Status = StatusInProgress
		state.Context[ContextKeyCurrentWorker] = workerID
		state.Context[ContextKeyStepStartedAt] = e.now().UTC().Format(time.RFC3339)
		return nil
	})
}

// AdvanceWorkflow records the step result and moves to the next step in
// the fixed order. Reaching the completion step completes the workflow.
func (e *Engine) AdvanceWorkflow(ctx context.Context, workflowID string, stepResult map[string]any) error {
	err := e.mutate(ctx, workflowID, func(state *State) error {
		state.StepHistory = append(state.StepHistory, HistoryEntry{
			Step:      state.CurrentStep,
			Timestamp: e.now().UTC(),
			Result:    stepResult,
			Outcome:   "completed",
		})

		cfg, ok := ConfigFor(state.CurrentStep)
		if !ok || cfg.NextStep == "" {
			state.Status = StatusCompleted
			return nil
		}

		state.CurrentStep = cfg.NextStep
		state.Status = StatusPending
		state.RetryCount = 0
		delete(state.Context, ContextKeyStepStartedAt)
		delete(state.Context, ContextKeyCurrentWorker)

		if state.CurrentStep == StepCompletion {
			state.Status = StatusCompleted
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("advanced workflow", "workflow_id", workflowID)
	return nil
}

// RetryCurrentStep consumes one unit of the step retry budget. It
// returns true while the workflow remains retryable; once the budget is
// exhausted the workflow is failed terminally and false is returned.
func (e *Engine) RetryCurrentStep(ctx context.Context, workflowID, errorMessage string) (bool, error) {
	retryable := false
	err := e.mutate(ctx, workflowID, func(state *State) error {
		if state.RetryCount >= state.MaxRetries {
			state.Status = StatusFailed
			state.Context[ContextKeyFailureReason] = fmt.Sprintf("max retries exceeded: %s", errorMessage)
			retryable = false
			return nil
		}

		state.RetryCount++
		state.Status = StatusPending
		state.Context[ContextKeyLastError] = errorMessage
		delete(state.Context, ContextKeyStepStartedAt)
		delete(state.Context, ContextKeyCurrentWorker)
		state.StepHistory = append(state.StepHistory, HistoryEntry{
			Step:      state.CurrentStep,
			Timestamp: e.now().UTC(),
			Result:    map[string]any{"error": errorMessage, "retry": state.RetryCount},
			Outcome:   "retry",
		})
		retryable = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if retryable {
		e.logger.Info("retrying workflow step", "workflow_id", workflowID, "error", errorMessage)
	} else {
		e.logger.Warn("workflow failed after exhausting retries", "workflow_id", workflowID, "error", errorMessage)
	}
	return retryable, nil
}

// MarkStepWaitingForFeedback suspends the workflow pending an external
// signal. Only steps whose policy allows it may suspend; a suspended
// workflow is excluded from NextWorkItem until resumed.
func (e *Engine) MarkStepWaitingForFeedback(ctx context.Context, workflowID string, feedbackContext map[string]any) error {
	return e.mutate(ctx, workflowID, func(state *State) error {
		cfg, ok := ConfigFor(state.CurrentStep)
		if !ok || !cfg.CanWaitForFeedback {
			return ErrFeedbackNotAllowed
		}
		state.Status = StatusWaitingForFeedback
		state.Context[ContextKeyFeedbackRequestedAt] = e.now().UTC().Format(time.RFC3339)
		for key, value := range feedbackContext {
			state.Context[key] = value
		}
		return nil
	})
}

// ResumeFromFeedback clears a suspended workflow back to pending.
// Called by the external collaborator that received the feedback.
func (e *Engine) ResumeFromFeedback(ctx context.Context, workflowID string, feedbackResult map[string]any) error {
	return e.mutate(ctx, workflowID, func(state *State) error {
		if state.Status != StatusWaitingForFeedback {
			return fmt.Errorf("workflow %s is not waiting for feedback", workflowID)
		}
		state.Status = StatusPending
		for key, value := range feedbackResult {
			state.Context[key] = value
		}
		return nil
	})
}

// ListActiveWorkflows returns all workflows that are not completed,
// newest first.
func (e *Engine) ListActiveWorkflows(ctx context.Context) ([]*State, error) {
	states, err := e.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*State, 0, len(states))
	for _, state := range states {
		if state.Status != StatusCompleted {
			active = append(active, state)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

// GetWorkflowStats aggregates counts by status and step.
func (e *Engine) GetWorkflowStats(ctx context.Context) (Stats, error) {
	states, err := e.loadAll(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		ByStatus: make(map[string]int),
		ByStep:   make(map[string]int),
	}
	for _, state := range states {
		stats.Total++
		stats.ByStatus[string(state.Status)]++
		stats.ByStep[string(state.CurrentStep)]++
	}
	if stats.Total > 0 {
		stats.CompletionRate = float64(stats.ByStatus[string(StatusCompleted)]) / float64(stats.Total) * 100
	}
	return stats, nil
}

// SweepTimedOut routes every in-progress workflow past its step's max
// duration through the retry path. Returns the number swept. This is
// the explicit counterpart to the lazy check in NextWorkItem, so a
// stuck step cannot overrun indefinitely while the queue is idle.
func (e *Engine) SweepTimedOut(ctx context.Context) (int, error) {
	states, err := e.loadAll(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, state := range states {
		if state.Status != StatusInProgress || !e.stepTimedOut(state) {
			continue
		}
		if _, err := e.RetryCurrentStep(ctx, state.WorkflowID, "workflow step timed out"); err != nil {
			e.logger.Error("failed to sweep timed-out workflow",
				"workflow_id", state.WorkflowID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

// stepTimedOut reports whether the current step has been running longer
// than its configured max duration.
func (e *Engine) stepTimedOut(state *State) bool {
	cfg, ok := ConfigFor(state.CurrentStep)
	if !ok {
		return false
	}
	started, ok := state.StepStartedAt()
	if !ok {
		return false
	}
	return e.now().UTC().Sub(started) > cfg.MaxDuration
}

// workerCanHandle reports whether a worker with the given capabilities
// can execute the workflow's current step.
func (e *Engine) workerCanHandle(state *State, capabilities map[string]string) bool {
	if capabilities == nil {
		// The orchestrator calls with nil: it spawns a worker matching
		// the workflow's requirements rather than filtering by its own.
		return true
	}
	required := state.PlatformRequirements()
	if len(required) == 0 {
		return true
	}
	for platform, version := range required {
		available, ok := capabilities[platform]
		if !ok {
			return false
		}
		if !queue.VersionsCompatible(version, available) {
			return false
		}
	}
	return true
}

// mutate performs an atomic read-modify-write of one workflow, retrying
// a bounded number of times on revision conflicts.
func (e *Engine) mutate(ctx context.Context, workflowID string, fn func(*State) error) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		state, rev, err := e.load(ctx, workflowID)
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		state.UpdatedAt = e.now().UTC()

		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		_, err = e.bucket.Update(ctx, workflowID, data, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("update workflow %s: %w", workflowID, err)
		}
	}
	return fmt.Errorf("update workflow %s: %w", workflowID, storage.ErrConflict)
}

func (e *Engine) load(ctx context.Context, workflowID string) (*State, uint64, error) {
	entry, err := e.bucket.Get(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, 0, err
	}
	var state State
	if err := json.Unmarshal(entry.Value, &state); err != nil {
		return nil, 0, fmt.Errorf("unmarshal workflow %s: %w", workflowID, err)
	}
	if state.Context == nil {
		state.Context = make(map[string]any)
	}
	return &state, entry.Revision, nil
}

// loadAll reads every workflow, skipping records that fail to load so a
// corrupt record orphans only itself.
func (e *Engine) loadAll(ctx context.Context) ([]*State, error) {
	keys, err := e.bucket.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	states := make([]*State, 0, len(keys))
	for _, key := range keys {
		entry, err := e.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var state State
		if err := json.Unmarshal(entry.Value, &state); err != nil {
			e.logger.Warn("skipping corrupt workflow record", "workflow_id", key, "error", err)
			continue
		}
		if state.Context == nil {
			state.Context = make(map[string]any)
		}
		states = append(states, &state)
	}
	return states, nil
}
