package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/issueflow/executor"
	"github.com/c360studio/issueflow/queue"
)

// workerCmd is the in-container entry point: execute one task, report
// the outcome and exit.
func workerCmd(configPath, logLevel *string) *cobra.Command {
	var (
		taskID       string
		workspaceDir string
		dataDir      string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute a single task as a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			conn, stores, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			if workspaceDir != "" {
				if err := os.Chdir(workspaceDir); err != nil {
					return fmt.Errorf("enter workspace: %w", err)
				}
			}
			if dataDir != "" {
				cfg.Status.DataDir = dataDir
			}

			if taskID == "" {
				taskID = os.Getenv("TASK_ID")
			}

			exec := executor.New(queue.New(stores.Tasks, logger), cfg.Agent, logger)
			return exec.Run(ctx, taskID, capabilitiesFromEnv())
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "Task to execute (defaults to TASK_ID env, else claims the oldest compatible task)")
	cmd.Flags().StringVar(&workspaceDir, "workspace", "", "Workspace directory to operate in")
	cmd.Flags().StringVar(&dataDir, "data", "", "Data directory for run artifacts")
	return cmd
}

// capabilitiesFromEnv parses ENABLED_PLATFORMS ("name:version,...").
func capabilitiesFromEnv() map[string]string {
	raw := os.Getenv("ENABLED_PLATFORMS")
	if raw == "" {
		return nil
	}
	capabilities := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		platform, version, found := strings.Cut(strings.TrimSpace(pair), ":")
		if !found || platform == "" || version == "" {
			continue
		}
		capabilities[platform] = version
	}
	if len(capabilities) == 0 {
		return nil
	}
	return capabilities
}
