package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInstanceNotFound is returned when a playground instance is not known
type ErrInstanceNotFound struct {
	InstanceID string
}

func (e *ErrInstanceNotFound) Error() string {
	return fmt.Sprintf("playground instance %s not found", e.InstanceID)
}

// From checks if the given error is an ErrInstanceNotFound
func (e *ErrInstanceNotFound) From(err error) bool {
	var notFound *ErrInstanceNotFound
	return errors.As(err, &notFound)
}

// ErrInstanceNotRunning is returned when an operation needs a running instance
type ErrInstanceNotRunning struct {
	InstanceID string
	Status     InstanceStatus
}

func (e *ErrInstanceNotRunning) Error() string {
	return fmt.Sprintf("playground instance %s is not running (status: %s)", e.InstanceID, e.Status)
}

// ErrPortAllocation is returned when no free host port is left for a kind
type ErrPortAllocation struct {
	Kind string
	From int
}

func (e *ErrPortAllocation) Error() string {
	return fmt.Sprintf("no free %s port available starting at %d", e.Kind, e.From)
}

// ErrReadinessTimeout is returned when the inner docker daemon never answered
type ErrReadinessTimeout struct {
	InstanceID string
	Timeout    time.Duration
	Logs       string
}

func (e *ErrReadinessTimeout) Error() string {
	return fmt.Sprintf("playground instance %s not ready after %s; logs: %s", e.InstanceID, e.Timeout, e.Logs)
}

// ErrContainerExited is returned when a sandbox container exits while booting
type ErrContainerExited struct {
	InstanceID string
	ExitCode   int
	Logs       string
}

func (e *ErrContainerExited) Error() string {
	return fmt.Sprintf("container for playground instance %s exited during startup (exit code %d); logs: %s", e.InstanceID, e.ExitCode, e.Logs)
}

// ErrDaemonNotReady is returned when the inner docker daemon does not answer
// within the terminal's bounded retry
type ErrDaemonNotReady struct {
	InstanceID string
	Attempts   int
}

func (e *ErrDaemonNotReady) Error() string {
	return "Docker daemon not ready in container. Please wait and try again."
}

// ErrContainerNotResponsive is returned when a running container does not execute commands
type ErrContainerNotResponsive struct {
	InstanceID string
	Attempts   int
}

func (e *ErrContainerNotResponsive) Error() string {
	return fmt.Sprintf("container not responsive after %d attempts", e.Attempts)
}

type ErrFileNotFound struct {
	Path string
}

func (e *ErrFileNotFound) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

type ErrRunNotFound struct {
	RunID string
}

func (e *ErrRunNotFound) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

type ErrWorkflowNotFound struct {
	WorkflowID string
}

func (e *ErrWorkflowNotFound) Error() string {
	return fmt.Sprintf("workflow not found: %s", e.WorkflowID)
}

type ErrSessionNotFound struct {
	SessionID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("terminal session not found: %s", e.SessionID)
}

// ErrInvalidRequest is returned when caller input fails validation
type ErrInvalidRequest struct {
	Reason string
}

func (e *ErrInvalidRequest) Error() string {
	return e.Reason
}

// IsInvalidRequest reports whether err is an ErrInvalidRequest
func IsInvalidRequest(err error) bool {
	var invalid *ErrInvalidRequest
	return errors.As(err, &invalid)
}

// IsNotFound reports whether err is any of the not-found errors above.
func IsNotFound(err error) bool {
	var (
		instance *ErrInstanceNotFound
		file     *ErrFileNotFound
		run      *ErrRunNotFound
		workflow *ErrWorkflowNotFound
		session  *ErrSessionNotFound
	)
	return errors.As(err, &instance) ||
		errors.As(err, &file) ||
		errors.As(err, &run) ||
		errors.As(err, &workflow) ||
		errors.As(err, &session)
}
