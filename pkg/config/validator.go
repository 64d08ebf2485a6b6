package config

import (
	"fmt"

	"github.com/master-control/mcp/pkg/models"
)

// dispatchableStages are the stages a queue exists for. Templates may only
// reference these plus the local response_packaging terminal stage.
var dispatchableStages = map[string]bool{
	models.StageIntentAnalysis:    true,
	models.StageEmbeddingLookup:   true,
	models.StageWebSearch:         true,
	models.StageExecutorReasoning: true,
	models.StageModeration:        true,
}

type validator struct {
	cfg *Config
}

func (v *validator) validateAll() error {
	if err := v.validateSettings(); err != nil {
		return err
	}
	if err := v.validateTemplates(); err != nil {
		return err
	}
	return v.validateAgents()
}

func (v *validator) validateSettings() error {
	s := v.cfg.Settings
	checks := []struct {
		name  string
		value int
	}{
		{"stage_timeout_seconds", s.StageTimeoutSeconds},
		{"adaptive_timeout_seconds", s.AdaptiveTimeoutSeconds},
		{"task_ttl_seconds", s.TaskTTLSeconds},
		{"broker_prefetch", s.BrokerPrefetch},
		{"queue_max_length", s.QueueMaxLength},
		{"cleanup_retention_days", s.CleanupRetentionDays},
		{"process_timeout_seconds", s.ProcessTimeoutSeconds},
		{"heartbeat_interval_seconds", s.HeartbeatIntervalSeconds},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return &ValidationError{Field: c.name, Message: "must be positive"}
		}
	}
	if s.RetriesOnTimeout() < 0 {
		return &ValidationError{Field: "retry_on_timeout", Message: "must be >= 0"}
	}
	if s.RetriesOnFailure() < 0 {
		return &ValidationError{Field: "retry_on_failure", Message: "must be >= 0"}
	}
	if s.DAGDefaultTemplate == "" {
		return &ValidationError{Field: "dag_default_template", Message: "must not be empty"}
	}
	if _, err := v.cfg.TemplateRegistry.Get(s.DAGDefaultTemplate); err != nil {
		return &ValidationError{
			Field:   "dag_default_template",
			Message: fmt.Sprintf("references unknown template %q", s.DAGDefaultTemplate),
		}
	}
	return nil
}

func (v *validator) validateTemplates() error {
	for _, name := range v.cfg.TemplateRegistry.Names() {
		tpl, err := v.cfg.TemplateRegistry.Get(name)
		if err != nil {
			return err
		}
		if len(tpl.Stages) == 0 {
			return &ValidationError{
				Field:   "templates." + name + ".stages",
				Message: "must not be empty",
			}
		}
		last := tpl.Stages[len(tpl.Stages)-1]
		if last != models.StageResponsePackaging {
			return &ValidationError{
				Field:   "templates." + name + ".stages",
				Message: "last stage must be " + models.StageResponsePackaging,
			}
		}
		seen := make(map[string]bool, len(tpl.Stages))
		for i, stage := range tpl.Stages {
			if seen[stage] {
				return &ValidationError{
					Field:   "templates." + name + ".stages",
					Message: fmt.Sprintf("stage %q appears twice", stage),
				}
			}
			seen[stage] = true
			if i < len(tpl.Stages)-1 && !dispatchableStages[stage] {
				return &ValidationError{
					Field:   "templates." + name + ".stages",
					Message: fmt.Sprintf("unknown stage %q", stage),
				}
			}
		}
	}
	return nil
}

func (v *validator) validateAgents() error {
	for _, name := range v.cfg.AgentRegistry.Names() {
		agent, err := v.cfg.AgentRegistry.Get(name)
		if err != nil {
			return err
		}
		if agent.Stage == "" {
			return &ValidationError{
				Field:   "agents." + name + ".stage",
				Message: "must not be empty",
			}
		}
		if !dispatchableStages[agent.Stage] {
			return &ValidationError{
				Field:   "agents." + name + ".stage",
				Message: fmt.Sprintf("unknown stage %q", agent.Stage),
			}
		}
		if agent.ProcessTimeoutSeconds < 0 {
			return &ValidationError{
				Field:   "agents." + name + ".process_timeout_seconds",
				Message: "must be >= 0",
			}
		}
	}
	return nil
}
