package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TechniqueKind names a context-engineering technique.
type TechniqueKind string

const (
	TechniqueRetrieval   TechniqueKind = "retrieval"
	TechniqueReranking   TechniqueKind = "reranking"
	TechniqueCompression TechniqueKind = "compression"
	TechniqueMemory      TechniqueKind = "memory"
)

// Technique is one enabled technique with its parameters.
type Technique struct {
	Kind   TechniqueKind          `json:"kind"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Int returns an integer parameter, or def when absent or not numeric.
func (t Technique) Int(name string, def int) int {
	if v, ok := numeric(t.Params[name]); ok {
		return int(v)
	}
	return def
}

// Float returns a float parameter, or def when absent or not numeric.
func (t Technique) Float(name string, def float64) float64 {
	if v, ok := numeric(t.Params[name]); ok {
		return v
	}
	return def
}

// ContextConfig is the context-engineering part of an inbound request.
// A nil or empty config means every technique is off.
type ContextConfig struct {
	Techniques []Technique `json:"techniques,omitempty"`
}

// Configuration fully describes an agent. Two configurations with the same
// Signature are interchangeable.
type Configuration struct {
	Model             string      `json:"model"`
	Temperature       float64     `json:"temperature"`
	MaxTokens         int         `json:"max_tokens"`
	Techniques        []Technique `json:"techniques"`
	SystemInstruction string      `json:"system_instruction"`
	Tools             []string    `json:"tools"`
}

// Normalize returns a copy in canonical form: technique kinds lower-cased,
// de-duplicated (first occurrence wins) and sorted, numeric parameters
// widened to float64, tool names de-duplicated and sorted.
func (c Configuration) Normalize() Configuration {
	out := c
	out.Model = strings.TrimSpace(c.Model)

	seen := make(map[TechniqueKind]bool, len(c.Techniques))
	out.Techniques = make([]Technique, 0, len(c.Techniques))
	for _, t := range c.Techniques {
		kind := TechniqueKind(strings.ToLower(strings.TrimSpace(string(t.Kind))))
		if kind == "" || seen[kind] {
			continue
		}
		seen[kind] = true
		out.Techniques = append(out.Techniques, Technique{Kind: kind, Params: normalizeParams(t.Params)})
	}
	sort.Slice(out.Techniques, func(i, j int) bool {
		return out.Techniques[i].Kind < out.Techniques[j].Kind
	})

	out.Tools = sortedUnique(c.Tools)
	return out
}

// Signature is the cache key of the configuration: a SHA-256 over its
// canonical JSON form.
func (c Configuration) Signature() (string, error) {
	data, err := json.Marshal(c.Normalize())
	if err != nil {
		return "", fmt.Errorf("encode configuration: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// TechniqueNames returns the enabled technique kinds in canonical order.
func (c Configuration) TechniqueNames() []string {
	n := c.Normalize()
	names := make([]string, len(n.Techniques))
	for i, t := range n.Techniques {
		names[i] = string(t.Kind)
	}
	return names
}

// Technique returns the enabled technique of the given kind.
func (c Configuration) Technique(kind TechniqueKind) (Technique, bool) {
	for _, t := range c.Techniques {
		if TechniqueKind(strings.ToLower(string(t.Kind))) == kind {
			return t, true
		}
	}
	return Technique{}, false
}

// Defaults are the process-wide values a request falls back to.
type Defaults struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	SystemPrompt      string
	ReasoningStartTag string
	ReasoningEndTag   string
	AssumeNoReasoning bool
	BaseTools         []string
}

// BuildConfiguration resolves a request's model and techniques against the
// defaults. The capability set of the techniques decides which tools are
// added and which hints go into the system instruction.
func BuildConfiguration(d Defaults, model string, cc *ContextConfig) (Configuration, error) {
	if strings.TrimSpace(model) == "" {
		model = d.Model
	}
	if strings.TrimSpace(model) == "" {
		return Configuration{}, &AgentConstructionError{Reason: "no model given and no default model configured"}
	}

	var techniques []Technique
	if cc != nil {
		techniques = cc.Techniques
	}

	cfg := Configuration{
		Model:       model,
		Temperature: d.Temperature,
		MaxTokens:   d.MaxTokens,
		Techniques:  techniques,
	}.Normalize()

	caps, err := ResolveCapabilities(cfg.Techniques)
	if err != nil {
		return Configuration{}, &AgentConstructionError{Model: cfg.Model, Reason: "unsupported technique", Err: err}
	}

	toolNames := append([]string(nil), d.BaseTools...)
	for _, c := range caps {
		toolNames = append(toolNames, c.Tools...)
	}
	cfg.Tools = sortedUnique(toolNames)
	cfg.SystemInstruction = RenderInstruction(d, caps)

	return cfg, nil
}

func normalizeParams(params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if f, ok := numeric(v); ok {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
