// Package config provides configuration loading and management for issueflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete issueflow configuration
type Config struct {
	NATS         NATSConfig         `yaml:"nats"`
	Queue        QueueConfig        `yaml:"queue"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Worker       WorkerConfig       `yaml:"worker"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Status       StatusConfig       `yaml:"status"`
	Agent        AgentConfig        `yaml:"agent"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// NATSConfig configures the NATS connection backing the stores
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// QueueConfig configures the task queue
type QueueConfig struct {
	// MaxRetries is the retry budget per task before it fails terminally
	MaxRetries int `yaml:"max_retries"`
	// StaleTimeout is how long an assigned task may sit without progress
	// before it is reclaimed
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

// WorkflowConfig configures the workflow engine
type WorkflowConfig struct {
	// MaxRetries is the retry budget per workflow step
	MaxRetries int `yaml:"max_retries"`
}

// WorkerConfig configures the worker pool
type WorkerConfig struct {
	// MaxWorkers caps concurrent worker containers
	MaxWorkers int `yaml:"max_workers"`
	// BaseImage is the worker image name; the platform signature becomes
	// the tag
	BaseImage string `yaml:"base_image"`
	// WorkspaceDir is the host directory mounted at /workspace
	WorkspaceDir string `yaml:"workspace_dir"`
	// DataDir is the host directory mounted at /bot/data
	DataDir string `yaml:"data_dir"`
	// MemoryLimit is the per-worker memory ceiling (e.g. "2g")
	MemoryLimit string `yaml:"memory_limit"`
	// CPULimit is the per-worker CPU ceiling in whole or fractional CPUs
	CPULimit float64 `yaml:"cpu_limit"`
	// StaleTimeout is the worker age after which it is force-stopped
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

// DiscoveryConfig configures issue discovery
type DiscoveryConfig struct {
	// Repos is the list of owner/name repositories to watch
	Repos []string `yaml:"repos"`
	// TriggerLabel marks issues eligible for automation
	TriggerLabel string `yaml:"trigger_label"`
	// GitHubToken authenticates API calls (env GITHUB_TOKEN overrides)
	GitHubToken string `yaml:"github_token"`
}

// OrchestratorConfig configures the control loop cadence
type OrchestratorConfig struct {
	// DiscoveryInterval is the pause between issue discovery cycles
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	// ProcessingInterval is the pause between scheduling cycles
	ProcessingInterval time.Duration `yaml:"processing_interval"`
	// MonitorInterval is the pause between worker health checks
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// CleanupInterval is the pause between staleness sweeps
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StatusConfig configures status publication
type StatusConfig struct {
	// DataDir is where status.json is written
	DataDir string `yaml:"data_dir"`
	// WebURL is an optional endpoint to POST snapshots to
	WebURL string `yaml:"web_url"`
}

// AgentConfig configures the coding agent run inside workers
type AgentConfig struct {
	// Command is the agent executable invoked with the rendered prompt
	Command string `yaml:"command"`
	// TemplateDir holds the per-step prompt templates
	TemplateDir string `yaml:"template_dir"`
	// Timeout bounds one agent invocation
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// ListenAddr is the metrics listen address (empty = disabled)
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Queue: QueueConfig{
			MaxRetries:   3,
			StaleTimeout: 30 * time.Minute,
		},
		Workflow: WorkflowConfig{
			MaxRetries: 2,
		},
		Worker: WorkerConfig{
			MaxWorkers:   3,
			BaseImage:    "issueflow-worker",
			WorkspaceDir: "./workspace",
			DataDir:      "./data",
			MemoryLimit:  "2g",
			CPULimit:     1.0,
			StaleTimeout: 60 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			Repos:        nil,
			TriggerLabel: "ai-resolve",
		},
		Orchestrator: OrchestratorConfig{
			DiscoveryInterval:  5 * time.Minute,
			ProcessingInterval: 30 * time.Second,
			MonitorInterval:    15 * time.Second,
			CleanupInterval:    10 * time.Minute,
		},
		Status: StatusConfig{
			DataDir: "./data",
		},
		Agent: AgentConfig{
			Command:     "claude",
			TemplateDir: "./templates",
			Timeout:     30 * time.Minute,
		},
		Metrics: MetricsConfig{
			ListenAddr: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Queue.StaleTimeout <= 0 {
		return fmt.Errorf("queue.stale_timeout must be positive")
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow.max_retries must not be negative")
	}
	if c.Worker.MaxWorkers < 1 {
		return fmt.Errorf("worker.max_workers must be at least 1")
	}
	if c.Worker.BaseImage == "" {
		return fmt.Errorf("worker.base_image is required")
	}
	if c.Worker.CPULimit <= 0 {
		return fmt.Errorf("worker.cpu_limit must be positive")
	}
	if c.Orchestrator.DiscoveryInterval <= 0 ||
		c.Orchestrator.ProcessingInterval <= 0 ||
		c.Orchestrator.MonitorInterval <= 0 ||
		c.Orchestrator.CleanupInterval <= 0 {
		return fmt.Errorf("orchestrator intervals must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Queue
	if other.Queue.MaxRetries != 0 {
		c.Queue.MaxRetries = other.Queue.MaxRetries
	}
	if other.Queue.StaleTimeout != 0 {
		c.Queue.StaleTimeout = other.Queue.StaleTimeout
	}

	// Workflow
	if other.Workflow.MaxRetries != 0 {
		c.Workflow.MaxRetries = other.Workflow.MaxRetries
	}

	// Worker
	if other.Worker.MaxWorkers != 0 {
		c.Worker.MaxWorkers = other.Worker.MaxWorkers
	}
	if other.Worker.BaseImage != "" {
		c.Worker.BaseImage = other.Worker.BaseImage
	}
	if other.Worker.WorkspaceDir != "" {
		c.Worker.WorkspaceDir = other.Worker.WorkspaceDir
	}
	if other.Worker.DataDir != "" {
		c.Worker.DataDir = other.Worker.DataDir
	}
	if other.Worker.MemoryLimit != "" {
		c.Worker.MemoryLimit = other.Worker.MemoryLimit
	}
	if other.Worker.CPULimit != 0 {
		c.Worker.CPULimit = other.Worker.CPULimit
	}
	if other.Worker.StaleTimeout != 0 {
		c.Worker.StaleTimeout = other.Worker.StaleTimeout
	}

	// Discovery
	if len(other.Discovery.Repos) > 0 {
		c.Discovery.Repos = other.Discovery.Repos
	}
	if other.Discovery.TriggerLabel != "" {
		c.Discovery.TriggerLabel = other.Discovery.TriggerLabel
	}
	if other.Discovery.GitHubToken != "" {
		c.Discovery.GitHubToken = other.Discovery.GitHubToken
	}

	// Orchestrator
	if other.Orchestrator.DiscoveryInterval != 0 {
		c.Orchestrator.DiscoveryInterval = other.Orchestrator.DiscoveryInterval
	}
	if other.Orchestrator.ProcessingInterval != 0 {
		c.Orchestrator.ProcessingInterval = other.Orchestrator.ProcessingInterval
	}
	if other.Orchestrator.MonitorInterval != 0 {
		c.Orchestrator.MonitorInterval = other.Orchestrator.MonitorInterval
	}
	if other.Orchestrator.CleanupInterval != 0 {
		c.Orchestrator.CleanupInterval = other.Orchestrator.CleanupInterval
	}

	// Status
	if other.Status.DataDir != "" {
		c.Status.DataDir = other.Status.DataDir
	}
	if other.Status.WebURL != "" {
		c.Status.WebURL = other.Status.WebURL
	}

	// Agent
	if other.Agent.Command != "" {
		c.Agent.Command = other.Agent.Command
	}
	if other.Agent.TemplateDir != "" {
		c.Agent.TemplateDir = other.Agent.TemplateDir
	}
	if other.Agent.Timeout != 0 {
		c.Agent.Timeout = other.Agent.Timeout
	}

	// Metrics
	if other.Metrics.ListenAddr != "" {
		c.Metrics.ListenAddr = other.Metrics.ListenAddr
	}
}
