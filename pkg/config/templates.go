package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/master-control/mcp/pkg/models"
)

// TemplateRegistry stores DAG templates in memory with thread-safe access.
// Templates are immutable after loading; Get hands out copies.
type TemplateRegistry struct {
	templates map[string]models.DAGTemplate
	mu        sync.RWMutex
}

// NewTemplateRegistry creates a registry over a defensive copy of templates.
func NewTemplateRegistry(templates map[string]models.DAGTemplate) *TemplateRegistry {
	copied := make(map[string]models.DAGTemplate, len(templates))
	for k, v := range templates {
		copied[k] = v
	}
	return &TemplateRegistry{templates: copied}
}

// Get retrieves a template by name (thread-safe).
func (r *TemplateRegistry) Get(name string) (*models.DAGTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tpl, exists := r.templates[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return tpl.Clone(), nil
}

// Names returns all template names, sorted for stable output.
func (r *TemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered templates.
func (r *TemplateRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}
