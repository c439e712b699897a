// Package config loads and validates the taskdesk.json configuration
// file. Durations are stored as integer seconds (milliseconds where
// noted) so the file stays hand-editable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"taskdesk/internal/fsutil"
)

// Config is the root configuration.
type Config struct {
	VaultRoot    string         `json:"vault_root"`
	EventLogPath string         `json:"event_log_path"`
	LogLevel     string         `json:"log_level"`
	Watch        WatchConfig    `json:"watch"`
	Approval     ApprovalConfig `json:"approval"`
	Engine       EngineConfig   `json:"engine"`
}

// WatchConfig controls file-watch ingestion.
type WatchConfig struct {
	AllowPatterns   []string `json:"allow_patterns"`
	DenyPatterns    []string `json:"deny_patterns"`
	DebounceSeconds float64  `json:"debounce_seconds"`
	QueueSize       int      `json:"queue_size"`
}

// ApprovalConfig controls the human-approval gate.
type ApprovalConfig struct {
	PollIntervalSeconds      int            `json:"poll_interval_seconds"`
	TimeoutByPrioritySeconds map[string]int `json:"timeout_by_priority_seconds"`
	CompanyDomains           []string       `json:"company_domains"`
	AmountThreshold          float64        `json:"amount_threshold"`
	SensitiveActions         []string       `json:"sensitive_actions"`
	AlwaysRequireApproval    []string       `json:"always_require_approval"`
}

// EngineConfig controls plan execution.
type EngineConfig struct {
	CompletionThreshold  float64 `json:"completion_threshold"`
	ConfidenceThreshold  float64 `json:"confidence_threshold"`
	ActionTimeoutSeconds int     `json:"action_timeout_seconds"`
	MaxStepAttempts      int     `json:"max_step_attempts"`
	RetryBackoffMs       int     `json:"retry_backoff_ms"`
	RetryBackoffMaxMs    int     `json:"retry_backoff_max_ms"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		VaultRoot:    "vault",
		EventLogPath: "logs/events.ndjson",
		LogLevel:     "info",
		Watch: WatchConfig{
			AllowPatterns:   []string{"*.md", "*.txt"},
			DenyPatterns:    []string{".*", "*.tmp"},
			DebounceSeconds: 2,
			QueueSize:       100,
		},
		Approval: ApprovalConfig{
			PollIntervalSeconds: 30,
			TimeoutByPrioritySeconds: map[string]int{
				"LOW":      7200,
				"MEDIUM":   3600,
				"HIGH":     1800,
				"CRITICAL": 900,
			},
			CompanyDomains:  []string{"company.com"},
			AmountThreshold: 1000,
			SensitiveActions: []string{
				"send_email",
				"post_linkedin",
				"post_twitter",
				"external_api_call",
				"delete_file",
				"database_write",
				"financial_transaction",
			},
			AlwaysRequireApproval: []string{
				"financial_transaction",
				"database_write",
			},
		},
		Engine: EngineConfig{
			CompletionThreshold:  0.8,
			ConfidenceThreshold:  0.7,
			ActionTimeoutSeconds: 30,
			MaxStepAttempts:      3,
			RetryBackoffMs:       0,
			RetryBackoffMaxMs:    0,
		},
	}
}

// LoadFromFile reads and validates a configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration atomically with indentation, so the
// generated file is comfortable to edit by hand.
func (c *Config) SaveToFile(path string) error {
	return fsutil.AtomicWriteJSON(path, c)
}

// Validate checks the configuration, returning errors with enough context
// to fix the file by hand.
func (c *Config) Validate() error {
	if c.VaultRoot == "" {
		return fmt.Errorf("vault_root must not be empty")
	}
	if c.EventLogPath == "" {
		return fmt.Errorf("event_log_path must not be empty")
	}
	if c.Watch.DebounceSeconds < 0 {
		return fmt.Errorf("watch.debounce_seconds must not be negative (got %v)", c.Watch.DebounceSeconds)
	}
	if c.Watch.QueueSize <= 0 {
		return fmt.Errorf("watch.queue_size must be positive (got %d)", c.Watch.QueueSize)
	}
	if c.Approval.PollIntervalSeconds <= 0 {
		return fmt.Errorf("approval.poll_interval_seconds must be positive (got %d)", c.Approval.PollIntervalSeconds)
	}
	for priority, seconds := range c.Approval.TimeoutByPrioritySeconds {
		if seconds <= 0 {
			return fmt.Errorf("approval.timeout_by_priority_seconds[%s] must be positive (got %d)", priority, seconds)
		}
	}
	if c.Engine.CompletionThreshold <= 0 || c.Engine.CompletionThreshold > 1 {
		return fmt.Errorf("engine.completion_threshold must be in (0, 1] (got %v)", c.Engine.CompletionThreshold)
	}
	if c.Engine.ConfidenceThreshold <= 0 || c.Engine.ConfidenceThreshold > 1 {
		return fmt.Errorf("engine.confidence_threshold must be in (0, 1] (got %v)", c.Engine.ConfidenceThreshold)
	}
	if c.Engine.ActionTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.action_timeout_seconds must be positive (got %d)", c.Engine.ActionTimeoutSeconds)
	}
	if c.Engine.MaxStepAttempts <= 0 {
		return fmt.Errorf("engine.max_step_attempts must be positive (got %d)", c.Engine.MaxStepAttempts)
	}
	if c.Engine.RetryBackoffMs < 0 || c.Engine.RetryBackoffMaxMs < 0 {
		return fmt.Errorf("engine retry backoff values must not be negative")
	}
	return nil
}

// Debounce returns the watch debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceSeconds * float64(time.Second))
}

// PollInterval returns the approval poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Approval.PollIntervalSeconds) * time.Second
}

// ApprovalTimeouts returns the priority-to-expiry mapping as durations.
func (c *Config) ApprovalTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Approval.TimeoutByPrioritySeconds))
	for priority, seconds := range c.Approval.TimeoutByPrioritySeconds {
		out[priority] = time.Duration(seconds) * time.Second
	}
	return out
}

// ActionTimeout returns the per-action execution bound as a duration.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Engine.ActionTimeoutSeconds) * time.Second
}
