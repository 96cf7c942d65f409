package tools

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition is returned by Register for malformed definitions.
var ErrInvalidDefinition = errors.New("invalid tool definition")

// DuplicateToolError reports a second registration under an existing name.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool already registered: %s", e.Name)
}

// ToolNotFoundError reports an unknown tool name.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// ToolExecutionError wraps anything that went wrong while running a tool:
// invalid arguments, a handler error, a recovered panic or a timeout.
type ToolExecutionError struct {
	Tool    string
	Err     error
	Timeout bool
	Panic   bool
}

func (e *ToolExecutionError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("tool %s timed out: %v", e.Tool, e.Err)
	case e.Panic:
		return fmt.Sprintf("tool %s panicked: %v", e.Tool, e.Err)
	default:
		return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
	}
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}
