package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/ctxlab/internal/config"
	"github.com/harun/ctxlab/internal/observability"
	"github.com/harun/ctxlab/pkg/agent"
	"github.com/harun/ctxlab/pkg/commandqueue"
	"github.com/harun/ctxlab/pkg/knowledge"
	"github.com/harun/ctxlab/pkg/orchestrator"
	"github.com/harun/ctxlab/pkg/pipeline"
	"github.com/harun/ctxlab/pkg/segmenter"
	"github.com/harun/ctxlab/pkg/session"
	"github.com/harun/ctxlab/pkg/tools"
	"github.com/rs/zerolog"
)

// ErrKnowledgeDisabled is returned by knowledge operations, the search tool
// included, when the knowledge base is turned off.
var ErrKnowledgeDisabled = errors.New("knowledge base is disabled")

var newProvider = func(opts agent.ProviderOptions) (agent.LLMProvider, error) {
	factory := &agent.ProviderFactory{}
	return factory.NewProvider(opts)
}

// Runtime is the in-process engine shared by the daemon and the one-shot
// CLI commands: backend provider, tools, session store, knowledge base,
// agent cache, context pipeline and the run service on top of them.
type Runtime struct {
	Config    *config.Config
	Provider  agent.LLMProvider
	Registry  *tools.Registry
	Sessions  session.Store
	Knowledge *knowledge.Store
	Agents    *agent.Cache
	Pipeline  *pipeline.Pipeline
	Queue     *commandqueue.CommandQueue
	Service   *orchestrator.Service

	logger zerolog.Logger
	syncCh chan struct{}
}

type disabledSearcher struct{}

func (disabledSearcher) Search(context.Context, string, *knowledge.SearchOptions) ([]knowledge.Result, error) {
	return nil, ErrKnowledgeDisabled
}

// NewRuntime wires the engine from cfg. Components are built in dependency
// order; a failure closes whatever was already opened.
func NewRuntime(cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	observability.EnsureRegistered()

	rt := &Runtime{
		Config: cfg,
		logger: logger.With().Str("component", "runtime").Logger(),
		syncCh: make(chan struct{}, 1),
	}

	provider, err := newProvider(agent.ProviderOptions{
		Provider: cfg.Backend.Provider,
		BaseURL:  cfg.Backend.BaseURL,
		APIKey:   cfg.Backend.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	rt.Provider = provider
	rt.logger.Info().
		Str("provider", provider.Provider()).
		Str("base_url", cfg.Backend.BaseURL).
		Str("model", cfg.Backend.DefaultModel).
		Msg("Backend provider initialized")

	if err := rt.initSessions(); err != nil {
		return nil, err
	}
	if err := rt.initKnowledge(); err != nil {
		return nil, err
	}
	if err := rt.initTools(); err != nil {
		rt.closeKnowledge()
		return nil, err
	}

	agents, err := agent.NewCache(agent.CacheConfig{
		Builder:   agent.NewBuilder(provider, rt.Registry, cfg.Backend.ValidateModels),
		MaxAgents: cfg.Cache.MaxAgents,
		OnEvict: func(signature string, a *agent.CachedAgent) {
			rt.logger.Debug().Str("signature", signature).Str("model", a.Config.Model).Msg("Agent evicted")
		},
		Logger: logger,
	})
	if err != nil {
		rt.closeKnowledge()
		return nil, fmt.Errorf("failed to create agent cache: %w", err)
	}
	rt.Agents = agents

	pipeCfg := pipeline.Config{Sessions: rt.Sessions, Logger: logger}
	if rt.Knowledge != nil {
		pipeCfg.Searcher = rt.Knowledge
	}
	rt.Pipeline = pipeline.New(pipeCfg)

	executor, err := orchestrator.NewExecutor(orchestrator.Config{
		MaxIterations:     cfg.Loop.MaxIterations,
		InferenceTimeout:  cfg.Loop.InferenceTimeout,
		ToolTimeout:       cfg.Loop.ToolTimeout,
		ToolFailurePolicy: orchestrator.ToolFailurePolicy(cfg.Loop.ToolFailurePolicy),
		EventBuffer:       cfg.Loop.EventBuffer,
		Segmenter: segmenter.Config{
			StartTag:          cfg.Agent.ReasoningStartTag,
			EndTag:            cfg.Agent.ReasoningEndTag,
			AssumeNoReasoning: cfg.Agent.AssumeNoReasoning,
		},
		Logger: logger,
	}, rt.Sessions, rt.Pipeline)
	if err != nil {
		rt.closeKnowledge()
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	rt.Queue = commandqueue.New()
	service, err := orchestrator.NewService(orchestrator.ServiceConfig{
		Executor: executor,
		Sessions: rt.Sessions,
		Agents:   agents,
		Defaults: rt.Defaults(),
		Queue:    rt.Queue,
		Logger:   logger,
	})
	if err != nil {
		_ = rt.Queue.Close()
		rt.closeKnowledge()
		return nil, fmt.Errorf("failed to create run service: %w", err)
	}
	rt.Service = service

	return rt, nil
}

// Defaults is the agent baseline every request configuration starts from.
func (rt *Runtime) Defaults() agent.Defaults {
	cfg := rt.Config
	return agent.Defaults{
		Model:             cfg.Backend.DefaultModel,
		Temperature:       cfg.Agent.Temperature,
		MaxTokens:         cfg.Agent.MaxTokens,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		ReasoningStartTag: cfg.Agent.ReasoningStartTag,
		ReasoningEndTag:   cfg.Agent.ReasoningEndTag,
		AssumeNoReasoning: cfg.Agent.AssumeNoReasoning,
		BaseTools:         tools.BaseToolNames,
	}
}

func (rt *Runtime) initSessions() error {
	switch rt.Config.Sessions.Store {
	case "file":
		store, err := session.NewFileStore(rt.Config.Sessions.Dir)
		if err != nil {
			return fmt.Errorf("failed to create session store: %w", err)
		}
		rt.Sessions = store
	default:
		rt.Sessions = session.NewMemoryStore()
	}
	rt.logger.Info().Str("store", rt.Config.Sessions.Store).Msg("Session store initialized")
	return nil
}

func (rt *Runtime) initKnowledge() error {
	kc := rt.Config.Knowledge
	if !kc.Enabled {
		return nil
	}

	storeCfg := knowledge.Config{
		Sources:  kc.Sources,
		DBPath:   kc.DBPath,
		Watch:    kc.Watch,
		OnChange: rt.RequestSync,
		Logger:   rt.logger,
	}
	if kc.Vector {
		storeCfg.Embedder = knowledge.NewOpenAIEmbedder(
			rt.Config.Backend.BaseURL,
			rt.Config.Backend.APIKey,
			rt.Config.Backend.EmbeddingModel,
			kc.VectorDim,
		)
	}

	store, err := knowledge.NewStore(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open knowledge base: %w", err)
	}
	rt.Knowledge = store
	rt.logger.Info().
		Str("db_path", kc.DBPath).
		Strs("sources", store.Sources()).
		Bool("vector", kc.Vector).
		Msg("Knowledge base initialized")
	return nil
}

func (rt *Runtime) initTools() error {
	registry := tools.NewRegistry(tools.WithTimeout(rt.Config.Loop.ToolTimeout))
	if err := tools.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	var searcher knowledge.Searcher = disabledSearcher{}
	if rt.Knowledge != nil {
		searcher = rt.Knowledge
	}
	if err := registry.Register(knowledge.SearchTool(searcher)); err != nil {
		return fmt.Errorf("failed to register search tool: %w", err)
	}
	if err := registry.Register(session.RecallTool(rt.Sessions)); err != nil {
		return fmt.Errorf("failed to register recall tool: %w", err)
	}

	rt.Registry = registry
	rt.logger.Info().Strs("tools", registry.Names()).Msg("Tool registry initialized")
	return nil
}

// RequestSync asks for a knowledge resync. Requests made while one is
// pending collapse into it.
func (rt *Runtime) RequestSync() {
	select {
	case rt.syncCh <- struct{}{}:
	default:
	}
}

// SyncRequests delivers pending resync requests.
func (rt *Runtime) SyncRequests() <-chan struct{} {
	return rt.syncCh
}

// SyncKnowledge indexes the knowledge sources once.
func (rt *Runtime) SyncKnowledge(ctx context.Context) (knowledge.SyncReport, error) {
	if rt.Knowledge == nil {
		return knowledge.SyncReport{}, ErrKnowledgeDisabled
	}
	report, err := rt.Knowledge.Sync(ctx)
	if err != nil {
		return report, err
	}
	rt.logger.Info().
		Int("indexed", report.FilesIndexed).
		Int("skipped", report.FilesSkipped).
		Int("pruned", report.FilesPruned).
		Int("chunks", report.ChunksCreated).
		Dur("duration", report.Duration).
		Msg("Knowledge base synced")
	return report, nil
}

// Close cancels active runs, waiting up to timeout, and releases storage.
func (rt *Runtime) Close(timeout time.Duration) error {
	if rt.Service != nil {
		rt.Service.Shutdown(timeout)
	}
	var errs []error
	if rt.Queue != nil {
		if err := rt.Queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.closeKnowledge(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *Runtime) closeKnowledge() error {
	if rt.Knowledge == nil {
		return nil
	}
	err := rt.Knowledge.Close()
	rt.Knowledge = nil
	return err
}
