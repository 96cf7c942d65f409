package config

import (
	"encoding/json"
	"time"
)

// Config is the ctxlab process configuration.
type Config struct {
	Backend   BackendConfig   `json:"backend" mapstructure:"backend"`
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	Loop      LoopConfig      `json:"loop" mapstructure:"loop"`
	Cache     CacheConfig     `json:"cache" mapstructure:"cache"`
	Sessions  SessionsConfig  `json:"sessions" mapstructure:"sessions"`
	Knowledge KnowledgeConfig `json:"knowledge" mapstructure:"knowledge"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// BackendConfig points at the inference backend.
type BackendConfig struct {
	Provider       string `json:"provider" mapstructure:"provider"` // openai, anthropic
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	DefaultModel   string `json:"default_model" mapstructure:"default_model"`
	ValidateModels bool   `json:"validate_models" mapstructure:"validate_models"`
	EmbeddingModel string `json:"embedding_model" mapstructure:"embedding_model"`
}

// AgentConfig holds the defaults every agent configuration starts from.
type AgentConfig struct {
	Temperature       float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens         int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt      string  `json:"system_prompt" mapstructure:"system_prompt"`
	ReasoningStartTag string  `json:"reasoning_start_tag" mapstructure:"reasoning_start_tag"`
	ReasoningEndTag   string  `json:"reasoning_end_tag" mapstructure:"reasoning_end_tag"`
	AssumeNoReasoning bool    `json:"assume_no_reasoning" mapstructure:"assume_no_reasoning"`
}

// LoopConfig bounds the agentic loop.
type LoopConfig struct {
	MaxIterations     int           `json:"max_iterations" mapstructure:"max_iterations"`
	InferenceTimeout  time.Duration `json:"inference_timeout" mapstructure:"inference_timeout"`
	ToolTimeout       time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	ToolFailurePolicy string        `json:"tool_failure_policy" mapstructure:"tool_failure_policy"` // continue, abort
	EventBuffer       int           `json:"event_buffer" mapstructure:"event_buffer"`
}

// CacheConfig bounds the agent cache. MaxAgents 0 means unbounded.
type CacheConfig struct {
	MaxAgents int `json:"max_agents" mapstructure:"max_agents"`
}

// SessionsConfig selects the session store.
type SessionsConfig struct {
	Store string `json:"store" mapstructure:"store"` // memory, file
	Dir   string `json:"dir" mapstructure:"dir"`
}

// KnowledgeConfig configures the local knowledge base.
type KnowledgeConfig struct {
	Enabled        bool     `json:"enabled" mapstructure:"enabled"`
	DBPath         string   `json:"db_path" mapstructure:"db_path"`
	Sources        []string `json:"sources" mapstructure:"sources"`
	Vector         bool     `json:"vector" mapstructure:"vector"`
	VectorDim      int      `json:"vector_dimension" mapstructure:"vector_dimension"`
	ResyncSchedule string   `json:"resync_schedule" mapstructure:"resync_schedule"`
	Watch          bool     `json:"watch" mapstructure:"watch"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Listen            string `json:"listen" mapstructure:"listen"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig toggles OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Provider:       "openai",
			BaseURL:        "http://localhost:11434/v1",
			DefaultModel:   "qwen3:8b",
			EmbeddingModel: "nomic-embed-text",
		},
		Agent: AgentConfig{
			Temperature:       0.7,
			MaxTokens:         2048,
			ReasoningStartTag: "<think>",
			ReasoningEndTag:   "</think>",
		},
		Loop: LoopConfig{
			MaxIterations:     10,
			InferenceTimeout:  120 * time.Second,
			ToolTimeout:       30 * time.Second,
			ToolFailurePolicy: "continue",
			EventBuffer:       64,
		},
		Sessions: SessionsConfig{
			Store: "memory",
		},
		Knowledge: KnowledgeConfig{
			VectorDim:      768,
			ResyncSchedule: "@every 30m",
		},
		Gateway: GatewayConfig{
			Listen:            "127.0.0.1:8787",
			RequestsPerMinute: 60,
			MaxConcurrent:     4,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateProvider(c.Backend.Provider); err != nil {
		return err
	}
	if err := v.ValidateModel(c.Backend.DefaultModel); err != nil {
		return err
	}
	if err := v.ValidateReasoningTags(c.Agent.ReasoningStartTag, c.Agent.ReasoningEndTag, c.Agent.AssumeNoReasoning); err != nil {
		return err
	}
	if err := v.ValidateLoop(c.Loop); err != nil {
		return err
	}
	if err := v.ValidateSessionStore(c.Sessions.Store); err != nil {
		return err
	}
	if c.Cache.MaxAgents < 0 {
		return errorf("cache.max_agents must be >= 0")
	}
	if c.Knowledge.Enabled {
		if err := v.ValidateSchedule(c.Knowledge.ResyncSchedule); err != nil {
			return err
		}
		if c.Knowledge.Vector && c.Knowledge.VectorDim <= 0 {
			return errorf("knowledge.vector_dimension must be > 0 when vector search is on")
		}
	}
	return v.ValidateListen(c.Gateway.Listen)
}
