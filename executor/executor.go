// Package executor is the harness that runs inside a worker container:
// it claims one task, renders the step's prompt template, runs the
// coding agent over it and reports the outcome back through the queue.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/issueflow/config"
	"github.com/c360studio/issueflow/queue"
	"github.com/c360studio/issueflow/workflow"
)

// outputTailLimit bounds how much agent output is kept in the task
// result.
const outputTailLimit = 4000

// Executor runs exactly one task to completion and exits.
type Executor struct {
	queue  *queue.Queue
	cfg    config.AgentConfig
	logger *slog.Logger

	// runAgent is swappable in tests.
	runAgent func(ctx context.Context, prompt string) (string, error)
}

// New creates an executor reporting through the given queue.
func New(q *queue.Queue, cfg config.AgentConfig, logger *slog.Logger) *Executor {
	e := &Executor{
		queue:  q,
		cfg:    cfg,
		logger: logger,
	}
	e.runAgent = e.invokeAgent
	return e
}

// Run resolves the task, executes it and reports the outcome. With an
// explicit task id the task is looked up directly; otherwise the oldest
// compatible pending task is claimed using the capabilities.
func (e *Executor) Run(ctx context.Context, taskID string, capabilities map[string]string) error {
	item, err := e.resolve(ctx, taskID, capabilities)
	if err != nil {
		return err
	}

	e.logger.Info("executing task", "task_id", item.TaskID, "title", item.Title)
	if err := e.queue.UpdateStatus(ctx, item.TaskID, queue.StatusInProgress, "", nil); err != nil {
		return fmt.Errorf("mark task in progress: %w", err)
	}

	output, runErr := e.execute(ctx, item)
	if runErr != nil {
		e.logger.Error("task execution failed", "task_id", item.TaskID, "error", runErr)
		if err := e.queue.UpdateStatus(ctx, item.TaskID, queue.StatusFailed, runErr.Error(), nil); err != nil {
			return fmt.Errorf("report task failure: %w", err)
		}
		return runErr
	}

	result := map[string]any{
		"output_tail": tail(output, outputTailLimit),
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	}
	if step, ok := workflow.StepFromTaskID(item.TaskID); ok {
		result["step"] = string(step)
	}
	if err := e.queue.UpdateStatus(ctx, item.TaskID, queue.StatusCompleted, "", result); err != nil {
		return fmt.Errorf("report task completion: %w", err)
	}

	e.logger.Info("task completed", "task_id", item.TaskID)
	return nil
}

func (e *Executor) resolve(ctx context.Context, taskID string, capabilities map[string]string) (*queue.WorkItem, error) {
	if taskID != "" {
		item, err := e.queue.GetTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("resolve task %s: %w", taskID, err)
		}
		return item, nil
	}

	hostname, _ := os.Hostname()
	item, err := e.queue.Dequeue(ctx, "executor-"+hostname, capabilities)
	if err != nil {
		return nil, fmt.Errorf("claim pending task: %w", err)
	}
	return item, nil
}

// execute renders the task's prompt and runs the agent under the
// configured timeout.
func (e *Executor) execute(ctx context.Context, item *queue.WorkItem) (string, error) {
	prompt, err := e.renderPrompt(item)
	if err != nil {
		return "", err
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	return e.runAgent(ctx, prompt)
}

// renderPrompt loads the step's template and substitutes the task
// fields. A task without a recognizable step, or a missing template
// file, falls back to the task description itself.
func (e *Executor) renderPrompt(item *queue.WorkItem) (string, error) {
	step, ok := workflow.StepFromTaskID(item.TaskID)
	if !ok {
		return item.Description, nil
	}
	cfg, ok := workflow.ConfigFor(step)
	if !ok {
		return item.Description, nil
	}

	raw, err := os.ReadFile(filepath.Join(e.cfg.TemplateDir, cfg.Template))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("step template missing, using raw description",
				"template", cfg.Template)
			return item.Description, nil
		}
		return "", fmt.Errorf("read template %s: %w", cfg.Template, err)
	}

	replacer := strings.NewReplacer(
		"{{ISSUE_NUMBER}}", strconv.Itoa(item.IssueNumber),
		"{{ISSUE_TITLE}}", item.Title,
		"{{ISSUE_DESCRIPTION}}", item.Description,
		"{{REPO}}", item.Repo,
		"{{TASK_ID}}", item.TaskID,
	)
	return replacer.Replace(string(raw)), nil
}

// invokeAgent feeds the prompt to the agent command on stdin and
// returns its combined output.
func (e *Executor) invokeAgent(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Command)
	cmd.Stdin = strings.NewReader(prompt)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return string(output), fmt.Errorf("agent timed out after %s", e.cfg.Timeout)
		}
		return string(output), fmt.Errorf("agent command failed: %w", err)
	}
	return string(output), nil
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
