package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/issueflow/queue"
	"github.com/c360studio/issueflow/workflow"
)

// statusCmd prints a snapshot of the queue, workflows and their steps.
func statusCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and workflow status",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			conn, stores, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			q := queue.New(stores.Tasks, logger)
			engine := workflow.NewEngine(stores.Workflows, logger)

			queueStats, err := q.GetQueueStats(ctx)
			if err != nil {
				return fmt.Errorf("collect queue stats: %w", err)
			}
			workflowStats, err := engine.GetWorkflowStats(ctx)
			if err != nil {
				return fmt.Errorf("collect workflow stats: %w", err)
			}

			fmt.Println("Queue:")
			fmt.Printf("  pending:     %d\n", queueStats.Pending)
			fmt.Printf("  assigned:    %d\n", queueStats.Assigned)
			fmt.Printf("  in progress: %d\n", queueStats.InProgress)
			fmt.Printf("  completed:   %d\n", queueStats.Completed)
			fmt.Printf("  failed:      %d\n", queueStats.Failed)

			fmt.Println("\nWorkflows:")
			fmt.Printf("  total:           %d\n", workflowStats.Total)
			for status, count := range workflowStats.ByStatus {
				fmt.Printf("  %-15s %d\n", status+":", count)
			}
			fmt.Printf("  completion rate: %.1f%%\n", workflowStats.CompletionRate)

			active, err := engine.ListActiveWorkflows(ctx)
			if err != nil {
				return fmt.Errorf("list active workflows: %w", err)
			}
			if len(active) > 0 {
				fmt.Println("\nActive workflows:")
				for _, state := range active {
					fmt.Printf("  %s  %s#%d  step=%s status=%s retries=%d\n",
						state.WorkflowID, state.Repo, state.IssueNumber,
						state.CurrentStep, state.Status, state.RetryCount)
				}
			}
			return nil
		},
	}
}

// enqueueCmd creates a workflow for one issue by hand, bypassing
// discovery.
func enqueueCmd(configPath, logLevel *string) *cobra.Command {
	var (
		repo        string
		issueNumber int
		title       string
		description string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a workflow for an issue manually",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if repo == "" || title == "" {
				return fmt.Errorf("--repo and --title are required")
			}

			ctx := cmd.Context()
			conn, stores, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			engine := workflow.NewEngine(stores.Workflows, logger)
			engine.SetMaxRetries(cfg.Workflow.MaxRetries)
			workflowID, err := engine.CreateWorkflow(ctx, issueNumber, repo, title, description, map[string]any{
				workflow.ContextKeyDiscoveredBy: "manual",
			})
			if err != nil {
				return fmt.Errorf("create workflow: %w", err)
			}

			fmt.Printf("Created workflow %s\n", workflowID)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/name)")
	cmd.Flags().IntVar(&issueNumber, "issue", 0, "Issue number")
	cmd.Flags().StringVar(&title, "title", "", "Issue title")
	cmd.Flags().StringVar(&description, "description", "", "Issue description")
	return cmd
}
