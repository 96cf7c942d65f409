package agent

import "fmt"

// AgentConstructionError reports a configuration that could not be turned
// into an agent: an unknown model, an unsupported technique, a missing tool.
// These errors are never cached.
type AgentConstructionError struct {
	Model  string
	Reason string
	Err    error
}

func (e *AgentConstructionError) Error() string {
	msg := "agent construction failed"
	if e.Model != "" {
		msg = fmt.Sprintf("%s for model %q", msg, e.Model)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AgentConstructionError) Unwrap() error {
	return e.Err
}
