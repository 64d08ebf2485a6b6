// Package config loads, merges, and validates orchestrator configuration:
// built-in defaults, the optional mcp.yaml deployment file, and environment
// variables for secrets and endpoints.
package config

import (
	"time"
)

// Config is the umbrella configuration handed to every component at startup.
type Config struct {
	configDir string

	// Settings holds the tunable orchestration options.
	Settings *Settings

	// TemplateRegistry resolves DAG template names to definitions.
	TemplateRegistry *TemplateRegistry

	// AgentRegistry resolves agent names to their stage bindings.
	AgentRegistry *AgentRegistry
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats summarizes loaded configuration for startup logging.
type Stats struct {
	Templates int
	Agents    int
}

// Stats returns counts of loaded configuration objects.
func (c *Config) Stats() Stats {
	return Stats{
		Templates: c.TemplateRegistry.Len(),
		Agents:    c.AgentRegistry.Len(),
	}
}

// Settings holds the recognized orchestration options. Zero values are
// filled from defaults during loading, so a constructed Config always
// carries usable values.
type Settings struct {
	// StageTimeoutSeconds bounds the wait for one stage's completion event.
	StageTimeoutSeconds int `yaml:"stage_timeout_seconds"`

	// AdaptiveTimeoutSeconds bounds the adaptive-recommendations call.
	AdaptiveTimeoutSeconds int `yaml:"adaptive_timeout_seconds"`

	// TaskTTLSeconds is the task-record TTL in the task store, refreshed
	// on every mutation.
	TaskTTLSeconds int `yaml:"task_ttl_seconds"`

	// BrokerPrefetch is the per-consumer prefetch on work queues.
	BrokerPrefetch int `yaml:"broker_prefetch"`

	// QueueMaxLength is the reject-on-overflow bound per work queue.
	QueueMaxLength int `yaml:"queue_max_length"`

	// CleanupRetentionDays bounds stage logs and performance samples.
	CleanupRetentionDays int `yaml:"cleanup_retention_days"`

	// DAGDefaultTemplate is used when create-task names no template.
	DAGDefaultTemplate string `yaml:"dag_default_template"`

	// ProcessTimeoutSeconds is the default per-message agent timeout.
	ProcessTimeoutSeconds int `yaml:"process_timeout_seconds"`

	// HeartbeatIntervalSeconds is the agent health heartbeat cadence.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// RetryOnTimeout and RetryOnFailure control the stage failure policy.
	RetryOnTimeout *int `yaml:"retry_on_timeout,omitempty"`
	RetryOnFailure *int `yaml:"retry_on_failure,omitempty"`

	// CleanupIntervalMinutes is the housekeeping cadence.
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`

	// GracefulShutdownSeconds bounds in-flight execution drain on stop.
	GracefulShutdownSeconds int `yaml:"graceful_shutdown_seconds"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() *Settings {
	retryTimeout := 1
	retryFailure := 0
	return &Settings{
		StageTimeoutSeconds:      300,
		AdaptiveTimeoutSeconds:   5,
		TaskTTLSeconds:           600,
		BrokerPrefetch:           1,
		QueueMaxLength:           1000,
		CleanupRetentionDays:     7,
		DAGDefaultTemplate:       "standard_query",
		ProcessTimeoutSeconds:    60,
		HeartbeatIntervalSeconds: 30,
		RetryOnTimeout:           &retryTimeout,
		RetryOnFailure:           &retryFailure,
		CleanupIntervalMinutes:   60,
		GracefulShutdownSeconds:  30,
	}
}

// StageTimeout returns the per-stage completion wait as a duration.
func (s *Settings) StageTimeout() time.Duration {
	return time.Duration(s.StageTimeoutSeconds) * time.Second
}

// AdaptiveTimeout returns the adaptive-call budget as a duration.
func (s *Settings) AdaptiveTimeout() time.Duration {
	return time.Duration(s.AdaptiveTimeoutSeconds) * time.Second
}

// TaskTTL returns the task-record TTL as a duration.
func (s *Settings) TaskTTL() time.Duration {
	return time.Duration(s.TaskTTLSeconds) * time.Second
}

// ProcessTimeout returns the default agent per-message budget.
func (s *Settings) ProcessTimeout() time.Duration {
	return time.Duration(s.ProcessTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the agent heartbeat cadence.
func (s *Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

// CleanupInterval returns the housekeeping cadence.
func (s *Settings) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMinutes) * time.Minute
}

// GracefulShutdownTimeout returns the drain budget on stop.
func (s *Settings) GracefulShutdownTimeout() time.Duration {
	return time.Duration(s.GracefulShutdownSeconds) * time.Second
}

// RetriesOnTimeout returns the configured timeout retry count.
func (s *Settings) RetriesOnTimeout() int {
	if s.RetryOnTimeout == nil {
		return 1
	}
	return *s.RetryOnTimeout
}

// RetriesOnFailure returns the configured negative-completion retry count.
func (s *Settings) RetriesOnFailure() int {
	if s.RetryOnFailure == nil {
		return 0
	}
	return *s.RetryOnFailure
}
