package config

import (
	"fmt"
	"sync"
)

// AgentConfig binds an agent name to the stage it serves.
type AgentConfig struct {
	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Stage this agent processes (required)
	Stage string `yaml:"stage"`

	// ProcessTimeoutSeconds overrides the global per-message budget.
	ProcessTimeoutSeconds int `yaml:"process_timeout_seconds,omitempty"`
}

// AgentRegistry stores agent configurations in memory with thread-safe access.
type AgentRegistry struct {
	agents map[string]AgentConfig
	mu     sync.RWMutex
}

// NewAgentRegistry creates a registry over a defensive copy of agents.
func NewAgentRegistry(agents map[string]AgentConfig) *AgentRegistry {
	copied := make(map[string]AgentConfig, len(agents))
	for k, v := range agents {
		copied[k] = v
	}
	return &AgentRegistry{agents: copied}
}

// Get retrieves an agent configuration by name (thread-safe).
func (r *AgentRegistry) Get(name string) (AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[name]
	if !exists {
		return AgentConfig{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return agent, nil
}

// Names returns all registered agent names.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// ByStage returns the first agent serving the given stage.
func (r *AgentRegistry) ByStage(stage string) (string, AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, agent := range r.agents {
		if agent.Stage == stage {
			return name, agent, nil
		}
	}
	return "", AgentConfig{}, fmt.Errorf("%w for stage: %s", ErrAgentNotFound, stage)
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
