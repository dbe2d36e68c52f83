// Package errs defines the error kinds of spec §7: validation, not-found,
// conflict, engine-not-running and resolution failures, as concrete error
// types that each unwrap to a sentinel kind.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Concrete error types Unwrap to one of these so callers can
// branch with errors.Is without caring about field-level detail.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("already exists")
	ErrEngineStopped = errors.New("engine is not running")
	ErrResolution    = errors.New("lookup resolution failed")
	ErrTraceDisabled = errors.New("trace collector is not enabled")
	ErrRateLimited   = errors.New("rate limit exceeded")
)

// Issue is one {path, message} validation failure.
type Issue struct {
	Path    string
	Message string
}

// ValidationError carries one or more field-level issues.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("%s: %s", e.Issues[0].Path, e.Issues[0].Message)
	}
	return fmt.Sprintf("%d validation issues", len(e.Issues))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RequiredError reports a missing required field.
func RequiredError(path string) error {
	return &ValidationError{Issues: []Issue{{Path: path, Message: "is required"}}}
}

// Invalid reports a field that failed a semantic check.
func Invalid(path, message string) error {
	return &ValidationError{Issues: []Issue{{Path: path, Message: message}}}
}

// NotFoundError reports a missing resource by kind and id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError constructs a NotFoundError.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError reports a duplicate resource.
type ConflictError struct {
	Resource string
	ID       string
	Message  string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %q: %s", e.Resource, e.ID, e.Message)
	}
	return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NewConflictError constructs a ConflictError.
func NewConflictError(resource, id, message string) error {
	return &ConflictError{Resource: resource, ID: id, Message: message}
}

// EngineStoppedError reports an operation attempted after Stop().
type EngineStoppedError struct {
	Operation string
}

func (e *EngineStoppedError) Error() string {
	return fmt.Sprintf("engine is stopped: %s", e.Operation)
}

func (e *EngineStoppedError) Unwrap() error { return ErrEngineStopped }

// NewEngineStoppedError constructs an EngineStoppedError.
func NewEngineStoppedError(operation string) error {
	return &EngineStoppedError{Operation: operation}
}

// ResolutionError wraps a Data Resolver failure under onError=fail (§4.5/§7).
type ResolutionError struct {
	Requirement string
	Cause       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Requirement, e.Cause)
}

func (e *ResolutionError) Unwrap() error { return ErrResolution }

// NewResolutionError constructs a ResolutionError.
func NewResolutionError(requirement string, cause error) error {
	return &ResolutionError{Requirement: requirement, Cause: cause}
}
