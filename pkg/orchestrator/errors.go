package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/ctxlab/pkg/agent"
	"github.com/harun/ctxlab/pkg/session"
	"github.com/harun/ctxlab/pkg/tools"
)

// LoopBudgetExceeded is returned when a run keeps requesting tools after
// the iteration budget is spent.
type LoopBudgetExceeded struct {
	Budget int
}

func (e *LoopBudgetExceeded) Error() string {
	return fmt.Sprintf("tool loop did not finish within %d iterations", e.Budget)
}

// BackendTimeoutError is returned when an inference call, or the gap between
// two streamed chunks, exceeds the configured timeout.
type BackendTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *BackendTimeoutError) Error() string {
	return fmt.Sprintf("backend %s timed out after %s", e.Op, e.Timeout)
}

// BackendInferenceError wraps a failure reported by the backend.
type BackendInferenceError struct {
	Op  string
	Err error
}

func (e *BackendInferenceError) Error() string {
	return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err)
}

func (e *BackendInferenceError) Unwrap() error {
	return e.Err
}

// CancelledError reports a run stopped by its caller.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "run cancelled"
	}
	return "run cancelled: " + e.Reason
}

// ErrRunNotFound is returned when cancelling an unknown or finished run.
var ErrRunNotFound = errors.New("run not found")

// Classify maps an error to its wire kind, an actionable message and a
// remediation suggestion.
func Classify(err error) (kind, message, suggestion string) {
	if err == nil {
		return "", "", ""
	}
	message = err.Error()

	var (
		construction *agent.AgentConstructionError
		notFound     *tools.ToolNotFoundError
		execution    *tools.ToolExecutionError
		duplicate    *tools.DuplicateToolError
		budget       *LoopBudgetExceeded
		timeout      *BackendTimeoutError
		inference    *BackendInferenceError
		storage      *session.StorageError
		missing      *session.NotFoundError
		cancelled    *CancelledError
	)

	switch {
	case errors.As(err, &cancelled), errors.Is(err, context.Canceled):
		return "CancelledError", message, ""
	case errors.As(err, &budget):
		return "LoopBudgetExceeded", message,
			"Rephrase the question so it needs fewer tool calls, or raise loop.max_iterations."
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return "BackendTimeoutError", message,
			"The inference backend is slow or stuck. Check that it is running and not overloaded, or raise loop.inference_timeout."
	case errors.As(err, &construction):
		return "AgentConstructionError", message,
			"Check that the model name is correct and that the backend serves it, and that every technique is supported."
	case errors.As(err, &notFound):
		return "ToolNotFoundError", message, "The model asked for a tool that is not enabled for this configuration."
	case errors.As(err, &execution):
		if execution.Timeout {
			return "ToolExecutionError", message, "The tool did not finish in time. Raise loop.tool_timeout or simplify the request."
		}
		return "ToolExecutionError", message, "Check the tool arguments, or set loop.tool_failure_policy to continue."
	case errors.As(err, &duplicate):
		return "DuplicateToolError", message, ""
	case errors.As(err, &storage):
		return "StorageError", message, "Check that the session directory exists and is writable."
	case errors.As(err, &missing):
		return "NotFoundError", message, "Start a new session or check the session id."
	case errors.As(err, &inference):
		if unreachable(inference.Err) {
			return "BackendInferenceError", "backend unreachable: " + inference.Err.Error(),
				"Start the inference backend or fix backend.base_url."
		}
		return "BackendInferenceError", message, "Check the backend logs. Retrying the request may help."
	}
	return "InternalError", message, ""
}

func unreachable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "no such host", "connection reset", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
