package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound is returned when a referenced config file does not exist
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrTemplateNotFound is returned when a DAG template name is unknown
	ErrTemplateNotFound = errors.New("template not found")

	// ErrAgentNotFound is returned when an agent name is unknown
	ErrAgentNotFound = errors.New("agent not found")
)

// LoadError wraps a failure to load one configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a load error for the given file.
func NewLoadError(file string, err error) error {
	return &LoadError{File: file, Err: err}
}

// ValidationError reports a single invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field '%s': %s", e.Field, e.Message)
}
