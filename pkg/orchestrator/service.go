package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/ctxlab/internal/tracing"
	"github.com/harun/ctxlab/pkg/agent"
	"github.com/harun/ctxlab/pkg/commandqueue"
	"github.com/harun/ctxlab/pkg/events"
	"github.com/harun/ctxlab/pkg/session"
	"github.com/rs/zerolog"
)

// ErrEmptyQuery is returned by Start for a blank query.
var ErrEmptyQuery = errors.New("query cannot be empty")

// Request is one query against a context configuration.
type Request struct {
	// SessionID continues a conversation. Empty starts a new session.
	SessionID     string
	Query         string
	Model         string
	Stream        bool
	ContextConfig *agent.ContextConfig
}

// Run is a started run. Events is closed after the terminal event.
type Run struct {
	ID        string
	SessionID string
	Events    <-chan events.Event
}

// RunInfo describes an active run.
type RunInfo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

type activeRun struct {
	info   RunInfo
	cancel context.CancelCauseFunc
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Executor *Executor
	Sessions session.Store
	Agents   *agent.Cache
	Defaults agent.Defaults
	// Queue serializes runs of the same session. A private queue is created
	// when nil.
	Queue  *commandqueue.CommandQueue
	Logger zerolog.Logger
}

// Service is the entry point outer surfaces use: it resolves the agent for
// a request, serializes runs per session and keeps a registry of active
// runs so they can be cancelled by id.
type Service struct {
	exec      *Executor
	sessions  session.Store
	agents    *agent.Cache
	defaults  agent.Defaults
	queue     *commandqueue.CommandQueue
	ownsQueue bool
	logger    zerolog.Logger

	mu   sync.Mutex
	runs map[string]*activeRun
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Executor == nil:
		return nil, errors.New("executor is required")
	case cfg.Sessions == nil:
		return nil, errors.New("session store is required")
	case cfg.Agents == nil:
		return nil, errors.New("agent cache is required")
	}

	s := &Service{
		exec:     cfg.Executor,
		sessions: cfg.Sessions,
		agents:   cfg.Agents,
		defaults: cfg.Defaults,
		queue:    cfg.Queue,
		logger:   cfg.Logger.With().Str("component", "orchestrator").Logger(),
		runs:     make(map[string]*activeRun),
	}
	if s.queue == nil {
		s.queue = commandqueue.New()
		s.ownsQueue = true
	}
	s.queue.On("completed", func(event commandqueue.Event) {
		s.logger.Debug().
			Str("lane", event.Lane).
			Str("task_id", event.TaskID).
			Interface("duration_ms", event.Data["duration"]).
			Interface("success", event.Data["success"]).
			Msg("Run released its session")
	})
	return s, nil
}

// Start validates the request and starts a run. Failures after validation,
// such as an unknown model or a broken session store, are reported as the
// run's single error event rather than returned.
func (s *Service) Start(ctx context.Context, req Request) (*Run, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	if req.SessionID == "" {
		req.SessionID = tracing.NewSessionID()
	}
	if err := session.ValidateID(req.SessionID); err != nil {
		return nil, err
	}

	runID := tracing.NewRunID()
	runCtx, cancel := context.WithCancelCause(ctx)
	active := &activeRun{
		info:   RunInfo{ID: runID, SessionID: req.SessionID, StartedAt: time.Now()},
		cancel: cancel,
	}

	s.mu.Lock()
	s.runs[runID] = active
	s.mu.Unlock()

	out := make(chan events.Event, s.exec.cfg.EventBuffer)
	go func() {
		defer func() {
			s.unregister(runID)
			cancel(nil)
			close(out)
		}()
		s.execute(runCtx, runID, req, out)
	}()

	return &Run{ID: runID, SessionID: req.SessionID, Events: out}, nil
}

func (s *Service) execute(ctx context.Context, runID string, req Request, out chan<- events.Event) {
	logger := s.logger.With().Str("run_id", runID).Str("session_id", req.SessionID).Logger()

	_, err := s.queue.EnqueueWithContext(ctx, commandqueue.SessionLane(req.SessionID), func(ctx context.Context) (interface{}, error) {
		a, err := s.prepare(ctx, req)
		if err != nil {
			return nil, err
		}

		for ev := range s.exec.Run(ctx, RunInput{
			RunID:     runID,
			SessionID: req.SessionID,
			Query:     req.Query,
			Agent:     a,
			Stream:    req.Stream,
		}) {
			forward(ctx, out, ev)
		}
		return nil, nil
	}, &commandqueue.TaskOptions{
		WarnAfter: 5 * time.Second,
		OnWait: func(wait time.Duration, queuePos int) {
			logger.Info().Dur("wait", wait).Int("position", queuePos).Msg("Run waiting for an earlier run of the same session")
		},
	})
	if err == nil {
		return
	}

	emitter := events.NewEmitter(runID, out)
	if errors.Is(err, commandqueue.ErrLaneReset) {
		logger.Info().Msg("Queued run dropped with its session")
		_ = emitter.Emit(ctx, events.TypeCancelled, events.CancelledData{Reason: "session deleted"})
		return
	}
	if ctx.Err() != nil {
		graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
		defer cancel()
		_ = emitter.Emit(graceCtx, events.TypeCancelled, events.CancelledData{Reason: context.Cause(ctx).Error()})
		return
	}

	kind, message, suggestion := Classify(err)
	logger.Warn().Err(err).Str("kind", kind).Msg("Run could not start")
	_ = emitter.Emit(ctx, events.TypeError, events.ErrorData{Kind: kind, Message: message, Suggestion: suggestion})
}

// prepare ensures the session exists and resolves the agent.
func (s *Service) prepare(ctx context.Context, req Request) (*agent.CachedAgent, error) {
	if _, err := s.sessions.Ensure(ctx, req.SessionID); err != nil {
		return nil, err
	}
	cfg, err := agent.BuildConfiguration(s.defaults, req.Model, req.ContextConfig)
	if err != nil {
		return nil, err
	}
	return s.agents.GetOrCreate(ctx, cfg)
}

// forward delivers an event to the consumer. Once the run is cancelled the
// consumer may be gone, so delivery is only attempted for a short grace.
func forward(ctx context.Context, out chan<- events.Event, ev events.Event) {
	select {
	case out <- ev:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(cancelGrace)
	defer timer.Stop()
	select {
	case out <- ev:
	case <-timer.C:
	}
}

func (s *Service) unregister(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

// Cancel stops an active run. The run ends with a cancelled event.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	active, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}

	s.logger.Info().Str("run_id", runID).Msg("Cancelling run")
	active.cancel(&CancelledError{Reason: "cancelled by client"})
	return nil
}

// DropQueued cancels every run of a session that is still waiting behind
// an earlier one. The running one, if any, is left alone.
func (s *Service) DropQueued(sessionID string) int {
	return s.queue.ResetLane(commandqueue.SessionLane(sessionID))
}

// Active lists the active runs, oldest first.
func (s *Service) Active() []RunInfo {
	s.mu.Lock()
	infos := make([]RunInfo, 0, len(s.runs))
	for _, r := range s.runs {
		infos = append(infos, r.info)
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Shutdown cancels every active run and waits up to timeout for them to end.
func (s *Service) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	for _, r := range s.runs {
		r.cancel(&CancelledError{Reason: "server shutting down"})
	}
	s.mu.Unlock()

	s.queue.WaitForActive(timeout)
	if s.ownsQueue {
		_ = s.queue.Close()
	}
}
