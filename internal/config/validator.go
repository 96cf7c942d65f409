package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("invalid config: "+format, args...)
}

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider checks the backend provider name.
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "openai", "anthropic":
		return nil
	default:
		return errorf("backend.provider %q (must be: openai, anthropic)", provider)
	}
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return errorf("backend.default_model cannot be empty")
	}
	return nil
}

// ValidateReasoningTags requires a distinct, non-empty tag pair unless the
// segmenter is told not to look for one.
func (v *Validator) ValidateReasoningTags(start, end string, assumeNoReasoning bool) error {
	if assumeNoReasoning {
		return nil
	}
	if start == "" || end == "" {
		return errorf("agent reasoning tags cannot be empty")
	}
	if start == end {
		return errorf("agent reasoning start and end tags must differ")
	}
	return nil
}

// ValidateLoop checks loop bounds and the tool failure policy.
func (v *Validator) ValidateLoop(loop LoopConfig) error {
	if loop.MaxIterations <= 0 {
		return errorf("loop.max_iterations must be > 0")
	}
	if loop.InferenceTimeout <= 0 {
		return errorf("loop.inference_timeout must be > 0")
	}
	if loop.ToolTimeout <= 0 {
		return errorf("loop.tool_timeout must be > 0")
	}
	switch loop.ToolFailurePolicy {
	case "continue", "abort":
	default:
		return errorf("loop.tool_failure_policy %q (must be: continue, abort)", loop.ToolFailurePolicy)
	}
	if loop.EventBuffer < 0 {
		return errorf("loop.event_buffer must be >= 0")
	}
	return nil
}

// ValidateSessionStore checks the session store kind.
func (v *Validator) ValidateSessionStore(store string) error {
	switch store {
	case "memory", "file":
		return nil
	default:
		return errorf("sessions.store %q (must be: memory, file)", store)
	}
}

// ValidateSchedule parses a cron spec the way the daemon scheduler will.
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return errorf("knowledge.resync_schedule %q: %v", spec, err)
	}
	return nil
}

// ValidateListen checks a host:port listen address.
func (v *Validator) ValidateListen(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errorf("gateway.listen %q: %v", addr, err)
	}
	return nil
}
