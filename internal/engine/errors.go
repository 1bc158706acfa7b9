package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-autopilot/internal/tools"
)

var (
	// ErrAborted is the cancellation cause set by Abort.
	ErrAborted = errors.New("task aborted")
	// ErrTimedOut is the cancellation cause set by the run timer.
	ErrTimedOut = errors.New("task timed out")
	// ErrSpawnDepthExceeded rejects a sub-task nested beyond the cap.
	ErrSpawnDepthExceeded = tools.ErrSpawnDepthExceeded
	// ErrEmptyPrompt rejects a start request without a prompt.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrAlreadyRunning is returned when a key is registered twice.
	ErrAlreadyRunning = errors.New("task already running")
	// ErrEngineClosed is returned by Start after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// ErrorClass groups model errors for logs and metrics.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ModelError is a model call failure that was not caused by cancellation.
// It ends the run as failed.
type ModelError struct {
	Class ErrorClass
	Err   error
}

func newModelError(err error) *ModelError {
	return &ModelError{Class: ClassifyError(err), Err: err}
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model call failed (%s): %v", e.Class, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// ClassifyError inspects a provider error message and returns the most
// specific class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window"):
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
