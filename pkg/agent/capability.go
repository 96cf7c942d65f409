package agent

import (
	"fmt"
	"strings"

	"github.com/harun/ctxlab/pkg/tools"
)

// Capability is what a technique contributes to an agent: extra tools the
// model may call and a line for the system instruction.
type Capability struct {
	Kind  TechniqueKind
	Tools []string
	Hint  string
}

var capabilities = map[TechniqueKind]Capability{
	TechniqueRetrieval: {
		Kind:  TechniqueRetrieval,
		Tools: []string{tools.SearchKnowledgeBase},
		Hint:  "Relevant knowledge-base passages may be included with the question. Call search_knowledge_base when you need more.",
	},
	TechniqueReranking: {
		Kind: TechniqueReranking,
		Hint: "Passages are ordered by relevance, most relevant first.",
	},
	TechniqueCompression: {
		Kind: TechniqueCompression,
		Hint: "Context passages may be shortened. Do not assume a passage is complete.",
	},
	TechniqueMemory: {
		Kind:  TechniqueMemory,
		Tools: []string{tools.RecallConversation},
		Hint:  "A summary of the recent conversation may be included. Call recall_conversation to read earlier messages verbatim.",
	},
}

// KnownTechniques lists the supported technique kinds in canonical order.
func KnownTechniques() []TechniqueKind {
	return []TechniqueKind{TechniqueCompression, TechniqueMemory, TechniqueReranking, TechniqueRetrieval}
}

// ResolveCapabilities maps techniques to their capabilities, in the order
// given. Unknown kinds are an error.
func ResolveCapabilities(techniques []Technique) ([]Capability, error) {
	caps := make([]Capability, 0, len(techniques))
	for _, t := range techniques {
		c, ok := capabilities[TechniqueKind(strings.ToLower(string(t.Kind)))]
		if !ok {
			return nil, fmt.Errorf("unknown technique %q", t.Kind)
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// RenderInstruction builds the system instruction: the configured prompt,
// the reasoning tag convention and one hint per capability.
func RenderInstruction(d Defaults, caps []Capability) string {
	var b strings.Builder
	base := strings.TrimSpace(d.SystemPrompt)
	if base == "" {
		base = "You are a helpful assistant with access to tools."
	}
	b.WriteString(base)

	if !d.AssumeNoReasoning && d.ReasoningStartTag != "" && d.ReasoningEndTag != "" {
		fmt.Fprintf(&b, "\n\nAlways begin your response with your reasoning enclosed in %s and %s, then write the final answer after %s.",
			d.ReasoningStartTag, d.ReasoningEndTag, d.ReasoningEndTag)
	}

	if len(caps) > 0 {
		b.WriteString("\n\nContext notes:")
		for _, c := range caps {
			fmt.Fprintf(&b, "\n- %s", c.Hint)
		}
	}
	return b.String()
}
