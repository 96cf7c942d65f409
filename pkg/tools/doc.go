// Package tools registers schema-described callables the model may invoke
// mid-run and executes them behind a panic- and timeout-safe boundary.
//
// Invariants:
// - Tool names are unique within a Registry.
// - Arguments are validated against the tool's JSON schema before the handler runs.
// - Invoke never panics; every failure is a *ToolNotFoundError or *ToolExecutionError.
//
// Usage:
//
//	reg := tools.NewRegistry()
//	_ = tools.RegisterBuiltins(reg)
//	set, _ := reg.Select([]string{"calculate"})
//	out, err := set.Invoke(ctx, "calculate", map[string]interface{}{"expression": "12*8"})
package tools
