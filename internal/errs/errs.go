// Package errs defines the engine's stable error taxonomy.
//
// Every error that crosses a subsystem boundary (planner, store, runner,
// pipeline runner, lock, daemon) is wrapped in an *Error carrying a
// machine-readable Code and a Transient flag, so callers can branch on
// behavior instead of matching strings.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error kind.
type Code string

const (
	RuntimeUnavailable Code = "RUNTIME_UNAVAILABLE"
	ImagePullFailed    Code = "IMAGE_PULL_FAILED"
	ContainerTimeout   Code = "CONTAINER_TIMEOUT"
	ContainerCrash     Code = "CONTAINER_CRASH"
	CleanupFailed      Code = "CLEANUP_FAILED"
	ArtifactNotFound   Code = "ARTIFACT_NOT_FOUND"
	StagingFailed      Code = "STAGING_FAILED"
	ValidationError    Code = "VALIDATION_ERROR"
	CyclicDependency   Code = "CYCLIC_DEPENDENCY"
	StepNotFound       Code = "STEP_NOT_FOUND"
	KitMisuse          Code = "KIT_MISUSE"
	WorkspaceLocked    Code = "WORKSPACE_LOCKED"
	DockerNotAvailable Code = "DOCKER_NOT_AVAILABLE"
)

// transientCodes lists which codes are retriable.
var transientCodes = map[Code]bool{
	RuntimeUnavailable: true,
	ImagePullFailed:    true,
	ContainerTimeout:   true,
	CleanupFailed:      true,
}

// Error is the engine's wrapped error type.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Transient reports whether this error kind is retriable.
func (e *Error) Transient() bool { return transientCodes[e.Code] }

// New builds an *Error with no underlying cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around an existing error, preserving the chain.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// IsTransient reports whether err (or a wrapped *Error within it) is retriable.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient()
	}
	return false
}

// CodeOf extracts the Code from err, or "" if err is not (or does not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
