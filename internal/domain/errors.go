package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAgentNotFound         = errors.New("agent not found")
	ErrPolicyDenied          = errors.New("policy denied")
	ErrAdapterUnavailable    = errors.New("adapter unavailable")
	ErrRemoteExecutionFailed = errors.New("remote execution failed")
	ErrTimeout               = errors.New("timeout")
	ErrConflictingIdentity   = errors.New("conflicting identity")
	ErrInvalidCommand        = errors.New("invalid command")
)

// PolicyDeniedError carries the assessment that denied a command.
type PolicyDeniedError struct {
	Assessment PolicyAssessment
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Assessment.Reason)
}

// Unwrap lets errors.Is match ErrPolicyDenied.
func (e *PolicyDeniedError) Unwrap() error {
	return ErrPolicyDenied
}

// IsAdapterError reports whether err is an infrastructure fault from an adapter.
func IsAdapterError(err error) bool {
	return errors.Is(err, ErrAdapterUnavailable) ||
		errors.Is(err, ErrRemoteExecutionFailed) ||
		errors.Is(err, ErrTimeout)
}
