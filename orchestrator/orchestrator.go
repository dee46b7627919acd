// Package orchestrator runs the central control loop: issue discovery,
// workflow scheduling, worker monitoring and staleness cleanup, all in
// one goroutine so cycles never overlap.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/issueflow/config"
	"github.com/c360studio/issueflow/discovery"
	"github.com/c360studio/issueflow/queue"
	"github.com/c360studio/issueflow/status"
	"github.com/c360studio/issueflow/storage"
	"github.com/c360studio/issueflow/worker"
	"github.com/c360studio/issueflow/workflow"
)

// Orchestrator owns the periodic cycles that drive issues from
// discovery through workflow completion. It holds no state of its own
// beyond counters; all durable state lives in the stores, so a restart
// resumes where the previous run stopped.
type Orchestrator struct {
	cfg      *config.Config
	queue    *queue.Queue
	engine   *workflow.Engine
	pool     *worker.Pool
	source   discovery.Source
	reporter *status.Reporter
	metrics  *Metrics
	logger   *slog.Logger

	startedAt  time.Time
	discovered int
}

// New wires an orchestrator from its collaborators.
func New(cfg *config.Config, q *queue.Queue, engine *workflow.Engine, pool *worker.Pool, source discovery.Source, reporter *status.Reporter, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		queue:     q,
		engine:    engine,
		pool:      pool,
		source:    source,
		reporter:  reporter,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
}

// Run executes the control loop until the context is canceled, then
// drains the worker pool and publishes a final status snapshot. Each
// cycle kind runs on its own cadence but all share one goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting",
		"repos", o.cfg.Discovery.Repos,
		"max_workers", o.cfg.Worker.MaxWorkers)

	if err := o.pool.Recover(ctx); err != nil {
		o.logger.Warn("worker recovery failed", "error", err)
	}
	o.metrics.Serve(ctx, o.cfg.Metrics.ListenAddr, o.logger)

	discoveryTicker := time.NewTicker(o.cfg.Orchestrator.DiscoveryInterval)
	defer discoveryTicker.Stop()
	processingTicker := time.NewTicker(o.cfg.Orchestrator.ProcessingInterval)
	defer processingTicker.Stop()
	monitorTicker := time.NewTicker(o.cfg.Orchestrator.MonitorInterval)
	defer monitorTicker.Stop()
	cleanupTicker := time.NewTicker(o.cfg.Orchestrator.CleanupInterval)
	defer cleanupTicker.Stop()

	// Discover immediately instead of waiting a full interval.
	o.runDiscovery(ctx)
	o.runProcessing(ctx)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-discoveryTicker.C:
			o.runDiscovery(ctx)
		case <-processingTicker.C:
			o.runProcessing(ctx)
			o.publishStatus(ctx)
		case <-monitorTicker.C:
			o.runMonitor(ctx)
		case <-cleanupTicker.C:
			o.runCleanup(ctx)
		}
	}
}

// RunOnce executes a single pass of every cycle, in dependency order.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	o.runDiscovery(ctx)
	o.runProcessing(ctx)
	o.runMonitor(ctx)
	o.runCleanup(ctx)
	o.publishStatus(ctx)
}

// runDiscovery finds new trigger-labeled issues and creates workflows
// for ones not already tracked. Discovery is idempotent across cycles.
func (o *Orchestrator) runDiscovery(ctx context.Context) {
	o.metrics.CyclesTotal.WithLabelValues("discovery").Inc()

	tracked, err := o.trackedIssues(ctx)
	if err != nil {
		o.logger.Error("failed to list workflows for deduplication", "error", err)
		return
	}

	for _, repo := range o.cfg.Discovery.Repos {
		issues, err := o.source.DiscoverIssues(ctx, repo)
		if err != nil {
			o.logger.Error("issue discovery failed", "repo", repo, "error", err)
			continue
		}

		for _, issue := range issues {
			key := issueKey(repo, issue.Number)
			if tracked[key] {
				continue
			}

			workflowContext := map[string]any{
				workflow.ContextKeyPlatformRequirements: discovery.DetectPlatforms(issue),
				workflow.ContextKeyPriority:             discovery.DeterminePriority(issue).String(),
				workflow.ContextKeyLabels:               issue.Labels,
				workflow.ContextKeyDiscoveredBy:         "github",
			}
			workflowID, err := o.engine.CreateWorkflow(ctx, issue.Number, repo, issue.Title, issue.Body, workflowContext)
			if err != nil {
				o.logger.Error("failed to create workflow",
					"repo", repo, "issue", issue.Number, "error", err)
				continue
			}

			tracked[key] = true
			o.discovered++
			o.metrics.IssuesDiscovered.Inc()
			o.logger.Info("discovered issue",
				"repo", repo,
				"issue", issue.Number,
				"workflow_id", workflowID)
		}
	}
}

// runProcessing assigns pending workflow steps to fresh workers until
// either the pool or the backlog runs out.
func (o *Orchestrator) runProcessing(ctx context.Context) {
	o.metrics.CyclesTotal.WithLabelValues("processing").Inc()

	for o.pool.CanSpawnWorker() {
		work, err := o.engine.NextWorkItem(ctx, nil)
		if err != nil {
			if !errors.Is(err, workflow.ErrNoPendingStep) {
				o.logger.Error("failed to scan for pending steps", "error", err)
			}
			return
		}

		item, err := o.ensureQueued(ctx, work)
		if err != nil {
			o.logger.Error("failed to queue step task",
				"workflow_id", work.WorkflowID, "task_id", work.TaskID, "error", err)
			return
		}

		workerID, err := o.pool.SpawnWorker(ctx, item, work.WorkflowID)
		if err != nil {
			// The step stays pending; the next cycle tries again.
			o.logger.Error("failed to spawn worker",
				"workflow_id", work.WorkflowID, "task_id", work.TaskID, "error", err)
			return
		}
		o.metrics.WorkersSpawned.Inc()

		if err := o.engine.MarkStepInProgress(ctx, work.WorkflowID, workerID); err != nil {
			o.logger.Error("failed to mark step in progress",
				"workflow_id", work.WorkflowID, "error", err)
			return
		}

		o.logger.Info("scheduled workflow step",
			"workflow_id", work.WorkflowID,
			"step", work.Step,
			"worker_id", workerID)
	}
}

// runMonitor reconciles worker container state with workflow state.
// A finished worker advances, suspends or retries its workflow based on
// the task record it left behind.
func (o *Orchestrator) runMonitor(ctx context.Context) {
	o.metrics.CyclesTotal.WithLabelValues("monitor").Inc()

	for _, update := range o.pool.MonitorWorkers(ctx) {
		if !update.Terminal() || update.WorkflowID == "" {
			continue
		}
		o.settleStep(ctx, update)
	}
}

func (o *Orchestrator) settleStep(ctx context.Context, update worker.StatusUpdate) {
	task, err := o.queue.GetTask(ctx, update.TaskID)
	if err != nil {
		o.logger.Error("finished worker has no task record",
			"task_id", update.TaskID, "worker_id", update.WorkerID, "error", err)
		return
	}

	switch {
	case task.Status == queue.StatusCompleted && waitingForFeedback(task.Result):
		if err := o.engine.MarkStepWaitingForFeedback(ctx, update.WorkflowID, task.Result); err != nil {
			o.logger.Error("failed to suspend workflow for feedback",
				"workflow_id", update.WorkflowID, "error", err)
		}

	case task.Status == queue.StatusCompleted:
		if err := o.engine.AdvanceWorkflow(ctx, update.WorkflowID, task.Result); err != nil {
			o.logger.Error("failed to advance workflow",
				"workflow_id", update.WorkflowID, "error", err)
			return
		}
		o.metrics.StepsCompleted.Inc()

	default:
		reason := task.ErrorMessage
		if reason == "" {
			reason = fmt.Sprintf("worker exited with status %s (code %d)", update.Status, update.ExitCode)
		}
		if !task.Status.Terminal() {
			// The worker died mid-run; close out its task record.
			if err := o.queue.UpdateStatus(ctx, task.TaskID, queue.StatusFailed, reason, nil); err != nil {
				o.logger.Warn("failed to fail abandoned task", "task_id", task.TaskID, "error", err)
			}
		}
		retryable, err := o.engine.RetryCurrentStep(ctx, update.WorkflowID, reason)
		if err != nil {
			o.logger.Error("failed to retry workflow step",
				"workflow_id", update.WorkflowID, "error", err)
			return
		}
		o.metrics.StepsRetried.Inc()
		if !retryable {
			o.logger.Warn("workflow failed terminally",
				"workflow_id", update.WorkflowID, "reason", reason)
		}
	}
}

// runCleanup reclaims stale queue tasks, overdue workers and timed-out
// workflow steps.
func (o *Orchestrator) runCleanup(ctx context.Context) {
	o.metrics.CyclesTotal.WithLabelValues("cleanup").Inc()

	reclaimed, err := o.queue.CleanupStale(ctx, o.cfg.Queue.StaleTimeout)
	if err != nil {
		o.logger.Error("queue cleanup failed", "error", err)
	}

	stopped := o.pool.CleanupStaleWorkers(ctx, o.cfg.Worker.StaleTimeout)

	swept, err := o.engine.SweepTimedOut(ctx)
	if err != nil {
		o.logger.Error("workflow timeout sweep failed", "error", err)
	}

	if reclaimed+stopped+swept > 0 {
		o.logger.Info("cleanup cycle reclaimed work",
			"stale_tasks", reclaimed,
			"stale_workers", stopped,
			"timed_out_steps", swept)
	}
}

// publishStatus snapshots all three stores into one status document.
func (o *Orchestrator) publishStatus(ctx context.Context) {
	queueStats, err := o.queue.GetQueueStats(ctx)
	if err != nil {
		o.logger.Warn("failed to collect queue stats", "error", err)
		return
	}
	workflowStats, err := o.engine.GetWorkflowStats(ctx)
	if err != nil {
		o.logger.Warn("failed to collect workflow stats", "error", err)
		return
	}
	workerStats := o.pool.GetWorkerStats()

	o.metrics.QueuePending.Set(float64(queueStats.Pending))
	o.metrics.QueueInProgress.Set(float64(queueStats.InProgress))
	o.metrics.ActiveWorkflows.Set(float64(workflowStats.Total - workflowStats.ByStatus[string(workflow.StatusCompleted)]))
	o.metrics.ActiveWorkers.Set(float64(workerStats.ActiveWorkers))

	doc := &status.Document{
		Timestamp: time.Now().UTC(),
		Queue: map[string]any{
			"pending":     queueStats.Pending,
			"assigned":    queueStats.Assigned,
			"in_progress": queueStats.InProgress,
			"completed":   queueStats.Completed,
			"failed":      queueStats.Failed,
			"total":       queueStats.Total,
		},
		Workflows: map[string]any{
			"total":           workflowStats.Total,
			"by_status":       workflowStats.ByStatus,
			"by_step":         workflowStats.ByStep,
			"completion_rate": workflowStats.CompletionRate,
		},
		Workers: map[string]any{
			"active": workerStats.ActiveWorkers,
			"max":    workerStats.MaxWorkers,
		},
		Discovered: o.discovered,
		Uptime:     time.Since(o.startedAt).Round(time.Second).String(),
	}
	if err := o.reporter.Publish(ctx, doc); err != nil {
		o.logger.Warn("failed to publish status", "error", err)
	}
}

// shutdown drains the pool and publishes a final snapshot. It uses a
// fresh context because the run context is already canceled.
func (o *Orchestrator) shutdown() {
	o.logger.Info("orchestrator shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	o.pool.Shutdown(ctx)
	o.publishStatus(ctx)
	o.logger.Info("orchestrator shutdown complete")
}

// ensureQueued makes sure the step's task record exists and is pending.
// Step retries reuse the same task id, so an existing record is reset
// rather than duplicated.
func (o *Orchestrator) ensureQueued(ctx context.Context, work *workflow.StepWork) (*queue.WorkItem, error) {
	item := &queue.WorkItem{
		TaskID:               work.TaskID,
		IssueNumber:          work.IssueNumber,
		Title:                fmt.Sprintf("%s: %s", work.Step, work.Title),
		Description:          work.Description,
		Repo:                 work.Repo,
		PlatformRequirements: work.PlatformRequirements(),
		Priority:             queue.ParsePriority(priorityFromContext(work.Context)),
		Status:               queue.StatusPending,
		MaxRetries:           o.cfg.Queue.MaxRetries,
	}

	err := o.queue.Enqueue(ctx, item)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return nil, err
	}
	if err := o.queue.UpdateStatus(ctx, work.TaskID, queue.StatusPending, "", nil); err != nil {
		return nil, err
	}
	return item, nil
}

// trackedIssues maps repo#number keys for every workflow that is not
// completed. Completed workflows are intentionally excluded: their
// issues were closed by the pr_creation step, and a reopened issue
// should start a fresh workflow.
func (o *Orchestrator) trackedIssues(ctx context.Context) (map[string]bool, error) {
	active, err := o.engine.ListActiveWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]bool, len(active))
	for _, state := range active {
		tracked[issueKey(state.Repo, state.IssueNumber)] = true
	}
	return tracked, nil
}

func issueKey(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

func priorityFromContext(workflowContext map[string]any) string {
	if raw, ok := workflowContext[workflow.ContextKeyPriority]; ok {
		if str, ok := raw.(string); ok {
			return str
		}
	}
	return ""
}

func waitingForFeedback(result map[string]any) bool {
	waiting, ok := result["waiting_for_feedback"].(bool)
	return ok && waiting
}
