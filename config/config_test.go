package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL nats://localhost:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("expected queue max_retries 3, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.StaleTimeout != 30*time.Minute {
		t.Errorf("expected queue stale_timeout 30m, got %v", cfg.Queue.StaleTimeout)
	}
	if cfg.Workflow.MaxRetries != 2 {
		t.Errorf("expected workflow max_retries 2, got %d", cfg.Workflow.MaxRetries)
	}
	if cfg.Worker.MaxWorkers != 3 {
		t.Errorf("expected max_workers 3, got %d", cfg.Worker.MaxWorkers)
	}
	if cfg.Worker.StaleTimeout != 60*time.Minute {
		t.Errorf("expected worker stale_timeout 60m, got %v", cfg.Worker.StaleTimeout)
	}
	if cfg.Discovery.TriggerLabel != "ai-resolve" {
		t.Errorf("expected trigger label ai-resolve, got %s", cfg.Discovery.TriggerLabel)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing nats url",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "negative queue retries",
			modify:  func(c *Config) { c.Queue.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "zero stale timeout",
			modify:  func(c *Config) { c.Queue.StaleTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero max workers",
			modify:  func(c *Config) { c.Worker.MaxWorkers = 0 },
			wantErr: true,
		},
		{
			name:    "missing base image",
			modify:  func(c *Config) { c.Worker.BaseImage = "" },
			wantErr: true,
		},
		{
			name:    "zero cpu limit",
			modify:  func(c *Config) { c.Worker.CPULimit = 0 },
			wantErr: true,
		},
		{
			name:    "zero monitor interval",
			modify:  func(c *Config) { c.Orchestrator.MonitorInterval = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
nats:
  url: "nats://test:4222"
queue:
  max_retries: 5
  stale_timeout: 45m
worker:
  max_workers: 7
  base_image: "custom-worker"
  memory_limit: "4g"
discovery:
  repos:
    - acme/app
    - acme/api
  trigger_label: "automate"
orchestrator:
  discovery_interval: 10m
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("expected queue max_retries 5, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.StaleTimeout != 45*time.Minute {
		t.Errorf("expected queue stale_timeout 45m, got %v", cfg.Queue.StaleTimeout)
	}
	if cfg.Worker.MaxWorkers != 7 {
		t.Errorf("expected max_workers 7, got %d", cfg.Worker.MaxWorkers)
	}
	if cfg.Worker.BaseImage != "custom-worker" {
		t.Errorf("expected base_image custom-worker, got %s", cfg.Worker.BaseImage)
	}
	if len(cfg.Discovery.Repos) != 2 {
		t.Errorf("expected 2 repos, got %d", len(cfg.Discovery.Repos))
	}
	if cfg.Discovery.TriggerLabel != "automate" {
		t.Errorf("expected trigger label automate, got %s", cfg.Discovery.TriggerLabel)
	}
	if cfg.Orchestrator.DiscoveryInterval != 10*time.Minute {
		t.Errorf("expected discovery_interval 10m, got %v", cfg.Orchestrator.DiscoveryInterval)
	}
	// Untouched sections keep their defaults
	if cfg.Worker.CPULimit != 1.0 {
		t.Errorf("expected default cpu_limit 1.0, got %f", cfg.Worker.CPULimit)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		NATS: NATSConfig{
			URL: "nats://override:4222",
		},
		Worker: WorkerConfig{
			MaxWorkers: 10,
		},
	}

	base.Merge(override)

	if base.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL nats://override:4222, got %s", base.NATS.URL)
	}
	if base.Worker.MaxWorkers != 10 {
		t.Errorf("expected max_workers 10, got %d", base.Worker.MaxWorkers)
	}
	// Base image should remain from base since override didn't set it
	if base.Worker.BaseImage != "issueflow-worker" {
		t.Errorf("expected base_image to remain default, got %s", base.Worker.BaseImage)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Worker.BaseImage = "saved-image"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Worker.BaseImage != "saved-image" {
		t.Errorf("expected base_image saved-image, got %s", loaded.Worker.BaseImage)
	}
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://github.com/acme/app.git", "acme/app"},
		{"https://github.com/acme/app", "acme/app"},
		{"git@github.com:acme/app.git", "acme/app"},
		{"git@github.com:acme/app", "acme/app"},
		{"github.com", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseRepoURL(tt.url); got != tt.want {
			t.Errorf("ParseRepoURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
