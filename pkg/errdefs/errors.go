// Package errdefs defines the error taxonomy shared by the bus, supervisor,
// orchestrator and snapshot manager.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed workflow document or step.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an unknown workflow, service or method binding.
	ErrNotFound = errors.New("not found")

	// ErrHandler marks a subscriber callback failure. It never escapes Publish.
	ErrHandler = errors.New("handler failed")

	// ErrPersistence marks a snapshot save or load failure.
	ErrPersistence = errors.New("persistence failed")

	// ErrLifecycle marks a service that failed to start, stop or recover.
	ErrLifecycle = errors.New("lifecycle failed")
)

// ValidationError reports why a workflow document or step was rejected.
type ValidationError struct {
	Document string // Workflow document name or path
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid workflow %q: %s", e.Document, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error for the named document.
func NewValidationError(document, reason string, err error) *ValidationError {
	return &ValidationError{Document: document, Reason: reason, Err: err}
}

// NotFoundError reports a lookup miss. Kind is one of "workflow", "service", "binding", "goal".
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func NewNotFoundError(kind, name string) *NotFoundError {
	return &NotFoundError{Kind: kind, Name: name}
}

// HandlerError wraps a failure raised by a single subscriber.
type HandlerError struct {
	EventType string
	Handler   string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for event %q failed: %v", e.Handler, e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func (e *HandlerError) Is(target error) bool {
	return target == ErrHandler
}

// PersistenceError wraps a failure from the persistence collaborator.
type PersistenceError struct {
	Op  string // Operation being performed (e.g. "SaveGlobalSnapshot")
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// LifecycleError wraps a failed start, stop or recovery of a service.
type LifecycleError struct {
	Service string
	Op      string // "start", "stop", "recover" or "health"
	Err     error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("service %q %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

func (e *LifecycleError) Is(target error) bool {
	return target == ErrLifecycle
}

func NewLifecycleError(service, op string, err error) *LifecycleError {
	return &LifecycleError{Service: service, Op: op, Err: err}
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound checks if an error is a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsHandler checks if an error originated in a subscriber.
func IsHandler(err error) bool {
	return errors.Is(err, ErrHandler)
}

// IsPersistence checks if an error originated in the persistence collaborator.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsLifecycle checks if an error is a service lifecycle failure.
func IsLifecycle(err error) bool {
	return errors.Is(err, ErrLifecycle)
}
