package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/harun/ctxlab/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefaults() Defaults {
	return Defaults{
		Model:             "qwen3:8b",
		Temperature:       0.7,
		MaxTokens:         2048,
		SystemPrompt:      "You are a test assistant.",
		ReasoningStartTag: "<think>",
		ReasoningEndTag:   "</think>",
		BaseTools:         tools.BaseToolNames,
	}
}

func mustSignature(t *testing.T, cfg Configuration) string {
	t.Helper()
	sig, err := cfg.Signature()
	require.NoError(t, err)
	return sig
}

func TestConfigurationSignature(t *testing.T) {
	base := Configuration{
		Model:       "qwen3:8b",
		Temperature: 0.7,
		MaxTokens:   2048,
		Techniques: []Technique{
			{Kind: TechniqueRetrieval, Params: map[string]interface{}{"top_k": 3, "min_score": 0.2}},
			{Kind: TechniqueMemory},
		},
		SystemInstruction: "be brief",
		Tools:             []string{"calculate", "search_knowledge_base"},
	}

	t.Run("should ignore technique order, kind case and duplicates", func(t *testing.T) {
		reordered := base
		reordered.Techniques = []Technique{
			{Kind: "MEMORY"},
			{Kind: " retrieval ", Params: map[string]interface{}{"min_score": 0.2, "top_k": 3.0}},
			{Kind: TechniqueMemory, Params: map[string]interface{}{"turns": 99}},
		}
		reordered.Tools = []string{"search_knowledge_base", "calculate", "calculate"}

		assert.Equal(t, mustSignature(t, base), mustSignature(t, reordered))
	})

	t.Run("should treat json numbers like native numbers", func(t *testing.T) {
		var params map[string]interface{}
		dec := json.NewDecoder(strings.NewReader(`{"top_k": 3, "min_score": 0.2}`))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&params))

		decoded := base
		decoded.Techniques = []Technique{{Kind: TechniqueMemory}, {Kind: TechniqueRetrieval, Params: params}}

		assert.Equal(t, mustSignature(t, base), mustSignature(t, decoded))
	})

	t.Run("should change when any field changes", func(t *testing.T) {
		sig := mustSignature(t, base)

		variants := map[string]func(c *Configuration){
			"model":       func(c *Configuration) { c.Model = "llama3" },
			"temperature": func(c *Configuration) { c.Temperature = 0.1 },
			"max tokens":  func(c *Configuration) { c.MaxTokens = 10 },
			"param": func(c *Configuration) {
				c.Techniques = []Technique{{Kind: TechniqueRetrieval, Params: map[string]interface{}{"top_k": 4}}, {Kind: TechniqueMemory}}
			},
			"technique":   func(c *Configuration) { c.Techniques = []Technique{{Kind: TechniqueRetrieval}} },
			"instruction": func(c *Configuration) { c.SystemInstruction = "be verbose" },
			"tools":       func(c *Configuration) { c.Tools = []string{"calculate"} },
		}

		for name, mutate := range variants {
			t.Run(name, func(t *testing.T) {
				changed := base
				mutate(&changed)
				assert.NotEqual(t, sig, mustSignature(t, changed))
			})
		}
	})

	t.Run("should not mutate the receiver", func(t *testing.T) {
		cfg := base
		cfg.Tools = []string{"b", "a"}
		cfg.Normalize()
		assert.Equal(t, []string{"b", "a"}, cfg.Tools)
	})
}

func TestTechniqueParams(t *testing.T) {
	tech := Technique{Kind: TechniqueRetrieval, Params: map[string]interface{}{
		"top_k":     5.0,
		"min_score": json.Number("0.25"),
		"name":      "x",
	}}

	assert.Equal(t, 5, tech.Int("top_k", 3))
	assert.Equal(t, 0.25, tech.Float("min_score", 0))
	assert.Equal(t, 7, tech.Int("name", 7))
	assert.Equal(t, 3, tech.Int("missing", 3))
}

func TestBuildConfiguration(t *testing.T) {
	t.Run("should fall back to default model and base tools", func(t *testing.T) {
		cfg, err := BuildConfiguration(testDefaults(), "", nil)
		require.NoError(t, err)

		assert.Equal(t, "qwen3:8b", cfg.Model)
		assert.Equal(t, []string{"calculate", "current_time", "text_stats"}, cfg.Tools)
		assert.Empty(t, cfg.Techniques)
		assert.Contains(t, cfg.SystemInstruction, "You are a test assistant.")
		assert.Contains(t, cfg.SystemInstruction, "<think>")
		assert.NotContains(t, cfg.SystemInstruction, "Context notes")
	})

	t.Run("should add capability tools and hints", func(t *testing.T) {
		cfg, err := BuildConfiguration(testDefaults(), "llama3", &ContextConfig{Techniques: []Technique{
			{Kind: TechniqueMemory},
			{Kind: TechniqueRetrieval, Params: map[string]interface{}{"top_k": 2}},
			{Kind: TechniqueCompression},
		}})
		require.NoError(t, err)

		assert.Equal(t, "llama3", cfg.Model)
		assert.Equal(t, []string{"calculate", "current_time", "recall_conversation", "search_knowledge_base", "text_stats"}, cfg.Tools)
		assert.Equal(t, []string{"compression", "memory", "retrieval"}, cfg.TechniqueNames())
		assert.Contains(t, cfg.SystemInstruction, "search_knowledge_base")
		assert.Contains(t, cfg.SystemInstruction, "recall_conversation")
		assert.Contains(t, cfg.SystemInstruction, "shortened")

		tech, ok := cfg.Technique(TechniqueRetrieval)
		require.True(t, ok)
		assert.Equal(t, 2, tech.Int("top_k", 0))
	})

	t.Run("should omit tag instruction in assume-no-reasoning mode", func(t *testing.T) {
		d := testDefaults()
		d.AssumeNoReasoning = true

		cfg, err := BuildConfiguration(d, "", nil)
		require.NoError(t, err)
		assert.NotContains(t, cfg.SystemInstruction, "<think>")
	})

	t.Run("should reject unknown techniques", func(t *testing.T) {
		_, err := BuildConfiguration(testDefaults(), "", &ContextConfig{Techniques: []Technique{{Kind: "telepathy"}}})

		var constructionErr *AgentConstructionError
		require.True(t, errors.As(err, &constructionErr))
		assert.Contains(t, err.Error(), "telepathy")
	})

	t.Run("should fail without any model", func(t *testing.T) {
		d := testDefaults()
		d.Model = ""

		_, err := BuildConfiguration(d, " ", nil)

		var constructionErr *AgentConstructionError
		assert.True(t, errors.As(err, &constructionErr))
	})

	t.Run("should give equal signatures for reordered requests", func(t *testing.T) {
		a, err := BuildConfiguration(testDefaults(), "", &ContextConfig{Techniques: []Technique{{Kind: TechniqueRetrieval}, {Kind: TechniqueMemory}}})
		require.NoError(t, err)
		b, err := BuildConfiguration(testDefaults(), "", &ContextConfig{Techniques: []Technique{{Kind: TechniqueMemory}, {Kind: TechniqueRetrieval}}})
		require.NoError(t, err)

		assert.Equal(t, mustSignature(t, a), mustSignature(t, b))
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("503 Service Unavailable"), true},
		{errors.New("model not found"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableError(tt.err), "%v", tt.err)
	}
}
