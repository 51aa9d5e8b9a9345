package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrTransientBroker = errors.New("broker status temporarily unavailable")
	ErrMissingScore    = errors.New("missing score for weight key")
	ErrStreamTimeout   = errors.New("event stream timed out before a terminal status")
	ErrJobAlreadyFinal = errors.New("job already in terminal status")
)

// AgentFailureError reports a proposal agent that errored mid-round.
type AgentFailureError struct {
	Agent string
	Round int
	Err   error
}

func (e *AgentFailureError) Error() string {
	return fmt.Sprintf("agent %s failed in round %d: %v", e.Agent, e.Round, e.Err)
}

func (e *AgentFailureError) Unwrap() error {
	return e.Err
}

// StageFailureError carries a chain stage error string verbatim.
type StageFailureError struct {
	Stage  string
	Reason string
}

func (e *StageFailureError) Error() string {
	return e.Reason
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
