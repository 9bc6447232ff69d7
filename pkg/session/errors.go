package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an identifier or tag matches no session
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyExists is returned when a store already holds the identifier
	ErrAlreadyExists = errors.New("session already exists")

	// ErrAmbiguousTag is returned when more than one active session carries the tag
	ErrAmbiguousTag = errors.New("multiple sessions found with this tag")

	// ErrInvalidConfig is matched by every ConfigError
	ErrInvalidConfig = errors.New("invalid session configuration")

	// ErrRuntime is matched by every RuntimeError
	ErrRuntime = errors.New("container runtime failure")
)

// ConfigError reports a rejected create input. It has no side effects.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// RuntimeError reports a container runtime failure during a lifecycle step.
type RuntimeError struct {
	Op        string // spawn, terminate, finalize_recording, status
	SessionID string
	Err       error
}

func (e *RuntimeError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("runtime %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("runtime %s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *RuntimeError) Unwrap() []error {
	return []error{ErrRuntime, e.Err}
}

// AmbiguousTagError lists the sessions sharing a tag.
type AmbiguousTagError struct {
	Tag string
	IDs []string
}

func (e *AmbiguousTagError) Error() string {
	return fmt.Sprintf("%s: tag %q matches %s", ErrAmbiguousTag.Error(), e.Tag, strings.Join(e.IDs, ", "))
}

func (e *AmbiguousTagError) Unwrap() error {
	return ErrAmbiguousTag
}
