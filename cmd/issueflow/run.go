package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/issueflow/config"
	"github.com/c360studio/issueflow/discovery"
	"github.com/c360studio/issueflow/orchestrator"
	"github.com/c360studio/issueflow/queue"
	"github.com/c360studio/issueflow/status"
	"github.com/c360studio/issueflow/worker"
	"github.com/c360studio/issueflow/workflow"
)

// runFlags overlay config file values.
type runFlags struct {
	repo               string
	workspaceDir       string
	dataDir            string
	maxWorkers         int
	discoveryInterval  time.Duration
	processingInterval time.Duration
	monitorInterval    time.Duration
	cleanupInterval    time.Duration
	metricsListen      string
	once               bool
}

func (f *runFlags) apply(cfg *config.Config) {
	if f.repo != "" {
		cfg.Discovery.Repos = []string{f.repo}
	}
	if f.workspaceDir != "" {
		cfg.Worker.WorkspaceDir = f.workspaceDir
	}
	if f.dataDir != "" {
		cfg.Worker.DataDir = f.dataDir
		cfg.Status.DataDir = f.dataDir
	}
	if f.maxWorkers > 0 {
		cfg.Worker.MaxWorkers = f.maxWorkers
	}
	if f.discoveryInterval > 0 {
		cfg.Orchestrator.DiscoveryInterval = f.discoveryInterval
	}
	if f.processingInterval > 0 {
		cfg.Orchestrator.ProcessingInterval = f.processingInterval
	}
	if f.monitorInterval > 0 {
		cfg.Orchestrator.MonitorInterval = f.monitorInterval
	}
	if f.cleanupInterval > 0 {
		cfg.Orchestrator.CleanupInterval = f.cleanupInterval
	}
	if f.metricsListen != "" {
		cfg.Metrics.ListenAddr = f.metricsListen
	}
}

// runCmd starts the orchestrator control loop.
func runCmd(configPath, logLevel *string) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			flags.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if len(cfg.Discovery.Repos) == 0 {
				return fmt.Errorf("no repositories configured: set discovery.repos, pass --repo, or run inside a git checkout")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			conn, stores, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			runtime, err := worker.NewDockerRuntime(ctx)
			if err != nil {
				return fmt.Errorf("connect to docker: %w", err)
			}

			pool := worker.NewPool(worker.Config{
				MaxWorkers:   cfg.Worker.MaxWorkers,
				BaseImage:    cfg.Worker.BaseImage,
				WorkspaceDir: cfg.Worker.WorkspaceDir,
				DataDir:      cfg.Worker.DataDir,
				MemoryLimit:  cfg.Worker.MemoryLimit,
				CPULimit:     cfg.Worker.CPULimit,
				NATSURL:      cfg.NATS.URL,
			}, runtime, stores.Workers, logger)

			source := discovery.NewGitHubSource(cfg.Discovery.GitHubToken, cfg.Discovery.TriggerLabel, logger)
			reporter := status.NewReporter(cfg.Status.DataDir, cfg.Status.WebURL, logger)

			engine := workflow.NewEngine(stores.Workflows, logger)
			engine.SetMaxRetries(cfg.Workflow.MaxRetries)

			orch := orchestrator.New(cfg,
				queue.New(stores.Tasks, logger),
				engine,
				pool,
				source,
				reporter,
				orchestrator.NewMetrics(),
				logger)

			if flags.once {
				if err := pool.Recover(ctx); err != nil {
					logger.Warn("worker recovery failed", "error", err)
				}
				orch.RunOnce(ctx)
				return nil
			}
			return orch.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&flags.repo, "repo", "", "Repository to watch (owner/name, overrides config)")
	cmd.Flags().StringVar(&flags.workspaceDir, "workspace", "", "Host directory mounted into workers at /workspace")
	cmd.Flags().StringVar(&flags.dataDir, "data", "", "Host directory for run data and status output")
	cmd.Flags().IntVar(&flags.maxWorkers, "max-workers", 0, "Maximum concurrent worker containers")
	cmd.Flags().DurationVar(&flags.discoveryInterval, "discovery-interval", 0, "Pause between issue discovery cycles")
	cmd.Flags().DurationVar(&flags.processingInterval, "processing-interval", 0, "Pause between scheduling cycles")
	cmd.Flags().DurationVar(&flags.monitorInterval, "monitor-interval", 0, "Pause between worker health checks")
	cmd.Flags().DurationVar(&flags.cleanupInterval, "cleanup-interval", 0, "Pause between staleness sweeps")
	cmd.Flags().StringVar(&flags.metricsListen, "metrics-listen", "", "Prometheus listen address (empty = disabled)")
	cmd.Flags().BoolVar(&flags.once, "once", false, "Run one pass of every cycle and exit")
	return cmd
}
