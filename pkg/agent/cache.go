package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/ctxlab/internal/observability"
	"github.com/harun/ctxlab/pkg/tools"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// CachedAgent binds a configuration to a backend and a resolved tool set.
// It is immutable and shared by every run with the same signature.
type CachedAgent struct {
	Config    Configuration
	Signature string
	Provider  LLMProvider
	Tools     *tools.ToolSet
	CreatedAt time.Time
}

// Request builds the provider request for the given conversation.
func (a *CachedAgent) Request(messages []Message) LLMRequest {
	return LLMRequest{
		Model:        a.Config.Model,
		Messages:     messages,
		Tools:        a.Tools.Definitions(),
		Temperature:  a.Config.Temperature,
		MaxTokens:    a.Config.MaxTokens,
		SystemPrompt: a.Config.SystemInstruction,
	}
}

// Builder materializes an agent for a normalized configuration.
type Builder func(ctx context.Context, cfg Configuration) (*CachedAgent, error)

// NewBuilder returns the default builder. It selects the configuration's
// tools from registry and, when validateModel is set, asks the backend
// whether it serves the model.
func NewBuilder(provider LLMProvider, registry *tools.Registry, validateModel bool) Builder {
	return func(ctx context.Context, cfg Configuration) (*CachedAgent, error) {
		if provider == nil {
			return nil, fmt.Errorf("no backend provider configured")
		}
		if validateModel {
			if err := provider.ValidateModel(ctx, cfg.Model); err != nil {
				return nil, err
			}
		}
		toolSet, err := registry.Select(cfg.Tools)
		if err != nil {
			return nil, err
		}
		return &CachedAgent{
			Config:    cfg,
			Provider:  provider,
			Tools:     toolSet,
			CreatedAt: time.Now(),
		}, nil
	}
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	Builder Builder
	// MaxAgents bounds the cache with LRU eviction. Zero means unbounded.
	MaxAgents int
	// OnEvict is called for every agent dropped by the LRU bound.
	OnEvict func(signature string, agent *CachedAgent)
	Logger  zerolog.Logger
}

// Cache memoizes agents by configuration signature. Construction happens at
// most once per signature even under concurrent first access; failed
// constructions are not remembered.
type Cache struct {
	build   Builder
	group   singleflight.Group
	entries agentStore
	logger  zerolog.Logger
}

type agentStore interface {
	Get(key string) (*CachedAgent, bool)
	Add(key string, agent *CachedAgent) bool
	Remove(key string) bool
	Len() int
	Purge()
}

// NewCache creates an agent cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	observability.EnsureRegistered()

	if cfg.Builder == nil {
		return nil, fmt.Errorf("agent builder is required")
	}

	c := &Cache{
		build:  cfg.Builder,
		logger: cfg.Logger.With().Str("component", "agent-cache").Logger(),
	}

	if cfg.MaxAgents > 0 {
		bounded, err := lru.NewWithEvict(cfg.MaxAgents, func(key string, agent *CachedAgent) {
			observability.RecordAgentEviction()
			c.logger.Debug().Str("signature", key).Str("model", agent.Config.Model).Msg("Evicted agent")
			if cfg.OnEvict != nil {
				cfg.OnEvict(key, agent)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("create agent lru: %w", err)
		}
		c.entries = bounded
	} else {
		c.entries = &mapStore{agents: make(map[string]*CachedAgent)}
	}

	return c, nil
}

// GetOrCreate returns the agent for cfg, building it on first use. Callers
// that arrive while a build for the same signature is running wait for it
// and share its result. A caller whose ctx ends stops waiting, but the build
// itself carries on for the others.
func (c *Cache) GetOrCreate(ctx context.Context, cfg Configuration) (*CachedAgent, error) {
	cfg = cfg.Normalize()
	key, err := cfg.Signature()
	if err != nil {
		return nil, &AgentConstructionError{Model: cfg.Model, Reason: "invalid configuration", Err: err}
	}

	if agent, ok := c.entries.Get(key); ok {
		observability.RecordAgentCacheLookup("hit")
		return agent, nil
	}
	observability.RecordAgentCacheLookup("miss")

	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if agent, ok := c.entries.Get(key); ok {
			return agent, nil
		}

		start := time.Now()
		agent, err := c.build(buildCtx, cfg)
		if err != nil {
			observability.RecordAgentBuild(false)
			c.logger.Warn().Err(err).Str("model", cfg.Model).Msg("Agent construction failed")
			var constructionErr *AgentConstructionError
			if errors.As(err, &constructionErr) {
				return nil, err
			}
			return nil, &AgentConstructionError{Model: cfg.Model, Err: err}
		}
		observability.RecordAgentBuild(true)

		agent.Config = cfg
		agent.Signature = key
		c.entries.Add(key, agent)
		observability.SetAgentCacheSize(c.entries.Len())

		c.logger.Info().
			Str("model", cfg.Model).
			Strs("techniques", cfg.TechniqueNames()).
			Str("signature", key[:12]).
			Dur("duration", time.Since(start)).
			Msg("Built agent")
		return agent, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CachedAgent), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of cached agents.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Invalidate drops the agent with the given signature.
func (c *Cache) Invalidate(signature string) bool {
	removed := c.entries.Remove(signature)
	observability.SetAgentCacheSize(c.entries.Len())
	return removed
}

// Purge drops every cached agent.
func (c *Cache) Purge() {
	c.entries.Purge()
	observability.SetAgentCacheSize(0)
}

type mapStore struct {
	mu     sync.RWMutex
	agents map[string]*CachedAgent
}

func (m *mapStore) Get(key string) (*CachedAgent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[key]
	return agent, ok
}

func (m *mapStore) Add(key string, agent *CachedAgent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[key] = agent
	return false
}

func (m *mapStore) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.agents[key]
	delete(m.agents, key)
	return ok
}

func (m *mapStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

func (m *mapStore) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make(map[string]*CachedAgent)
}
