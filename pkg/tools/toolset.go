package tools

import (
	"context"
	"strings"
)

// ToolSet is the subset of a Registry exposed to one agent. It is resolved
// once when the agent is built and never changes afterwards.
type ToolSet struct {
	registry *Registry
	defs     []Definition
}

// Definitions returns the tools in name order.
func (s *ToolSet) Definitions() []Definition {
	if s == nil {
		return nil
	}
	return append([]Definition(nil), s.defs...)
}

// Names returns the tool names in name order.
func (s *ToolSet) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.defs))
	for i, def := range s.defs {
		names[i] = def.Name
	}
	return names
}

// Has reports whether name is part of the set.
func (s *ToolSet) Has(name string) bool {
	if s == nil {
		return false
	}
	for _, def := range s.defs {
		if def.Name == name {
			return true
		}
	}
	return false
}

// Len returns the number of tools in the set.
func (s *ToolSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.defs)
}

// Signature is a stable string identifying the set's membership.
func (s *ToolSet) Signature() string {
	return strings.Join(s.Names(), ",")
}

// Invoke runs a tool from the set. Tools registered but not selected are
// reported as not found, same as unknown names.
func (s *ToolSet) Invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	if !s.Has(name) {
		return nil, &ToolNotFoundError{Name: name}
	}
	return s.registry.Invoke(ctx, name, args)
}
