package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/harun/ctxlab/internal/observability"
	"github.com/harun/ctxlab/internal/tracing"
	"github.com/harun/ctxlab/pkg/agent"
	"github.com/harun/ctxlab/pkg/events"
	"github.com/harun/ctxlab/pkg/pipeline"
	"github.com/harun/ctxlab/pkg/segmenter"
	"github.com/harun/ctxlab/pkg/session"
	"github.com/harun/ctxlab/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ToolFailurePolicy decides what a failed tool call does to its run.
type ToolFailurePolicy string

const (
	// ToolFailureContinue folds the error back to the model as the tool result.
	ToolFailureContinue ToolFailurePolicy = "continue"
	// ToolFailureAbort fails the run on the first failed tool call.
	ToolFailureAbort ToolFailurePolicy = "abort"
)

const (
	DefaultMaxIterations    = 10
	DefaultInferenceTimeout = 120 * time.Second
	DefaultToolTimeout      = 30 * time.Second
	DefaultEventBuffer      = 64

	// cancelGrace bounds the delivery attempt of the cancelled marker.
	cancelGrace = 250 * time.Millisecond
)

// Config tunes the executor.
type Config struct {
	// MaxIterations bounds the non-streaming inferences of a run.
	MaxIterations int
	// InferenceTimeout bounds one non-streaming call, the opening of a
	// stream and every gap between two streamed chunks.
	InferenceTimeout  time.Duration
	ToolTimeout       time.Duration
	ToolFailurePolicy ToolFailurePolicy
	EventBuffer       int
	Segmenter         segmenter.Config
	Logger            zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.InferenceTimeout <= 0 {
		c.InferenceTimeout = DefaultInferenceTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.ToolFailurePolicy == "" {
		c.ToolFailurePolicy = ToolFailureContinue
	}
	if c.EventBuffer < 0 {
		c.EventBuffer = 0
	} else if c.EventBuffer == 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// Executor drives runs: enrich, infer, dispatch tools, re-infer, then stream
// the final answer through the segmenter.
type Executor struct {
	cfg      Config
	sessions session.Store
	enricher pipeline.Enricher
	logger   zerolog.Logger
}

// NewExecutor creates an executor. A nil enricher passes queries through.
func NewExecutor(cfg Config, sessions session.Store, enricher pipeline.Enricher) (*Executor, error) {
	observability.EnsureRegistered()

	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	cfg = cfg.withDefaults()
	switch cfg.ToolFailurePolicy {
	case ToolFailureContinue, ToolFailureAbort:
	default:
		return nil, fmt.Errorf("unknown tool failure policy %q", cfg.ToolFailurePolicy)
	}
	if enricher == nil {
		enricher = passthrough{}
	}

	return &Executor{
		cfg:      cfg,
		sessions: sessions,
		enricher: enricher,
		logger:   cfg.Logger.With().Str("component", "executor").Logger(),
	}, nil
}

type passthrough struct{}

func (passthrough) Enrich(ctx context.Context, query string, cfg agent.Configuration, sessionID string) (string, map[string]interface{}, error) {
	return query, map[string]interface{}{}, nil
}

// RunInput is everything one run needs. The session must already exist.
type RunInput struct {
	RunID     string
	SessionID string
	Query     string
	Agent     *agent.CachedAgent
	Stream    bool
	// Done is called after the event channel is closed.
	Done func()
}

// Run starts a run on its own goroutine and returns its event channel. The
// channel yields events in emission order, ends with exactly one terminal
// event (complete, error or cancelled) and is then closed.
func (e *Executor) Run(ctx context.Context, in RunInput) <-chan events.Event {
	if in.RunID == "" {
		in.RunID = tracing.NewRunID()
	}
	out := make(chan events.Event, e.cfg.EventBuffer)

	r := &run{
		exec:    e,
		in:      in,
		emitter: events.NewEmitter(in.RunID, out),
		state:   newLoopState(),
		start:   time.Now(),
	}

	go func() {
		defer func() {
			close(out)
			if in.Done != nil {
				in.Done()
			}
		}()
		r.execute(ctx)
	}()

	return out
}

type run struct {
	exec     *Executor
	in       RunInput
	emitter  *events.Emitter
	state    *LoopState
	logger   zerolog.Logger
	messages []agent.Message
	metadata map[string]interface{}
	start    time.Time
}

func (r *run) execute(ctx context.Context) {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	}
	ctx = tracing.WithSessionID(tracing.WithRunID(ctx, r.in.RunID), r.in.SessionID)
	ctx, span := tracing.StartSpan(ctx, "orchestrator.run",
		attribute.String("model", r.in.Agent.Config.Model),
		attribute.Bool("stream", r.in.Stream),
	)
	defer span.End()
	r.logger = tracing.LoggerFromContext(ctx, r.exec.logger)

	outcome := "success"
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Run panicked")
			outcome = "error"
			r.fail(ctx, fmt.Errorf("internal error: %v", rec))
		}
		observability.RecordRun(r.in.Agent.Config.Model, outcome, time.Since(r.start), r.state.Iteration)
		r.logger.Info().
			Str("outcome", outcome).
			Int("iterations", r.state.Iteration).
			Dur("duration", time.Since(r.start)).
			Msg("Run finished")
	}()

	r.logger.Info().Str("model", r.in.Agent.Config.Model).Msg("Run started")

	err := r.loop(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = "cancelled"
		span.SetStatus(codes.Error, "cancelled")
		r.cancel(ctx)
	default:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(ctx, err)
	}
}

func (r *run) loop(ctx context.Context) error {
	cfg := r.in.Agent.Config

	enriched, metadata, err := r.exec.enricher.Enrich(ctx, r.in.Query, cfg, r.in.SessionID)
	if err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	r.metadata = metadata

	sess, err := r.exec.sessions.Get(ctx, r.in.SessionID)
	if err != nil {
		return err
	}
	r.messages = historyMessages(sess.Turns)

	if err := r.appendTurn(ctx, session.Turn{
		Role:     session.RoleUser,
		Content:  r.in.Query,
		Metadata: map[string]interface{}{"run_id": r.in.RunID},
	}); err != nil {
		return err
	}
	r.messages = append(r.messages, agent.Message{Role: agent.RoleUser, Content: enriched})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.state.advance(StateInferring)
		if r.state.Iteration >= r.exec.cfg.MaxIterations {
			return &LoopBudgetExceeded{Budget: r.exec.cfg.MaxIterations}
		}
		r.state.Iteration++

		resp, err := r.infer(ctx)
		if err != nil {
			return err
		}

		if len(resp.ToolCalls) == 0 {
			r.state.advance(StateStreamingFinal)
			return r.finish(ctx, resp)
		}

		r.state.advance(StateToolDispatch)
		if err := r.dispatch(ctx, resp); err != nil {
			return err
		}
	}
}

// infer makes one non-streaming call. The call runs on its own goroutine so
// a backend that ignores ctx still times out.
func (r *run) infer(ctx context.Context) (*agent.LLMResponse, error) {
	timeout := r.exec.cfg.InferenceTimeout
	provider := r.in.Agent.Provider

	ctx, span := tracing.StartSpan(ctx, "orchestrator.infer", attribute.Int("iteration", r.state.Iteration))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *agent.LLMResponse
		err  error
	}
	done := make(chan result, 1)
	req := r.in.Agent.Request(r.messages)

	start := time.Now()
	go func() {
		defer r.recoverBackend(func(err error) { done <- result{err: err} })
		resp, err := provider.Call(callCtx, req)
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case res := <-done:
		if res.err == nil && res.resp == nil {
			res.err = errors.New("empty response")
		}
		var crashed *panicError
		if errors.As(res.err, &crashed) {
			err = res.err
			break
		}
		if res.err != nil {
			err = r.backendError(ctx, "call", res.err)
			break
		}
		observability.RecordBackendCall(provider.Provider(), "call", time.Since(start), true)
		return res.resp, nil
	case <-timer.C:
		err = &BackendTimeoutError{Op: "call", Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	observability.RecordBackendCall(provider.Provider(), "call", time.Since(start), false)
	span.RecordError(err)
	return nil, err
}

// panicError is a panic recovered from a backend goroutine.
type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("internal error: backend panicked: %v", e.value)
}

func (r *run) recoverBackend(report func(error)) {
	if rec := recover(); rec != nil {
		r.logger.Error().
			Interface("panic", rec).
			Bytes("stack", debug.Stack()).
			Msg("Backend call panicked")
		report(&panicError{value: rec})
	}
}

func (r *run) backendError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendTimeoutError{Op: op, Timeout: r.exec.cfg.InferenceTimeout}
	}
	return &BackendInferenceError{Op: op, Err: err}
}

func (r *run) dispatch(ctx context.Context, resp *agent.LLMResponse) error {
	calls := make([]agent.ToolCall, len(resp.ToolCalls))
	for i, call := range resp.ToolCalls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", r.state.Iteration, i+1)
		}
		if call.Arguments == nil {
			call.Arguments = map[string]interface{}{}
		}
		calls[i] = call
	}
	r.state.Pending = calls

	// Text next to tool calls is the model thinking out loud.
	if text := strings.TrimSpace(resp.Content); text != "" {
		reasoning, answer := segmenter.Split(r.exec.cfg.Segmenter, text)
		if err := r.emitReasoning(ctx, reasoning+answer); err != nil {
			return err
		}
	}

	r.messages = append(r.messages, agent.Message{
		Role:      agent.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: calls,
	})

	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.emitter.Emit(ctx, events.TypeToolCall, events.ToolCallData{
			ID:        call.ID,
			Tool:      call.Name,
			Arguments: call.Arguments,
			Iteration: r.state.Iteration,
		}); err != nil {
			return err
		}

		record, toolErr, err := r.invoke(ctx, call)
		if err != nil {
			return err
		}

		content := ""
		if i == 0 {
			content = resp.Content
		}
		requested := record
		requested.Result, requested.Error, requested.Success, requested.EndedAt = nil, "", false, time.Time{}
		if err := r.appendTurn(ctx, session.Turn{Role: session.RoleAssistant, Content: content, ToolCall: &requested}); err != nil {
			return err
		}
		output := resultText(record)
		if err := r.appendTurn(ctx, session.Turn{Role: session.RoleTool, Content: output, ToolCall: &record}); err != nil {
			return err
		}

		if err := r.emitter.Emit(ctx, events.TypeToolResult, events.ToolResultData{
			ID:         record.ID,
			Tool:       record.Tool,
			Result:     record.Result,
			Success:    record.Success,
			Error:      record.Error,
			DurationMs: record.Duration().Milliseconds(),
		}); err != nil {
			return err
		}

		r.messages = append(r.messages, agent.Message{Role: agent.RoleTool, Content: output, ToolCallID: call.ID})
		r.state.Pending = r.state.Pending[1:]

		if toolErr != nil && r.exec.cfg.ToolFailurePolicy == ToolFailureAbort {
			return toolErr
		}
	}
	return nil
}

// invoke runs a tool on a context detached from the run, so a cancelled run
// lets it finish. The result of a tool that outlives the run is discarded.
// toolErr is the tool's own failure; err is set only when the run ended.
func (r *run) invoke(ctx context.Context, call agent.ToolCall) (record session.ToolInvocation, toolErr error, err error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.tool", attribute.String("tool", call.Name))
	defer span.End()

	record = session.ToolInvocation{
		ID:        call.ID,
		Tool:      call.Name,
		Arguments: call.Arguments,
		StartedAt: time.Now(),
	}

	toolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.exec.cfg.ToolTimeout)
	toolCtx = tools.ContextWithExecContext(toolCtx, &tools.ExecutionContext{
		SessionID: r.in.SessionID,
		RunID:     r.in.RunID,
		CallID:    call.ID,
	})

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		value, err := r.in.Agent.Tools.Invoke(toolCtx, call.Name, call.Arguments)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		record.EndedAt = time.Now()
		if out.err != nil {
			record.Error = out.err.Error()
			toolErr = out.err
			span.RecordError(out.err)
			r.logger.Warn().Err(out.err).Str("tool", call.Name).Msg("Tool call failed")
		} else {
			record.Result = out.value
			record.Success = true
		}
		observability.RecordToolExecution(call.Name, record.Duration(), record.Success)
		return record, toolErr, nil
	case <-ctx.Done():
		r.logger.Debug().Str("tool", call.Name).Msg("Run ended while tool was running, result will be discarded")
		return record, nil, ctx.Err()
	}
}

func (r *run) finish(ctx context.Context, resp *agent.LLMResponse) error {
	seg := segmenter.New(r.exec.cfg.Segmenter)

	if r.in.Stream {
		if err := r.stream(ctx, seg); err != nil {
			return err
		}
	} else if err := r.emitDeltas(ctx, seg.Push(resp.Content)); err != nil {
		return err
	}
	if err := r.emitDeltas(ctx, seg.Flush()); err != nil {
		return err
	}

	reasoning := r.state.Reasoning.String()
	answer := r.state.Answer.String()

	if reasoning != "" || answer != "" {
		if err := r.appendTurn(ctx, session.Turn{
			Role:      session.RoleAssistant,
			Content:   answer,
			Reasoning: reasoning,
			Metadata:  map[string]interface{}{"run_id": r.in.RunID},
		}); err != nil {
			return err
		}
	} else {
		r.logger.Warn().Msg("Model returned an empty response")
	}
	if answer == "" && reasoning != "" {
		r.logger.Warn().Msg("Response has reasoning but no answer, the end tag may be missing")
	}

	r.state.advance(StateDone)
	return r.emitter.Emit(ctx, events.TypeComplete, events.CompleteData{
		Model:             r.in.Agent.Config.Model,
		SessionID:         r.in.SessionID,
		ReasoningLength:   len(reasoning),
		ResponseLength:    len(answer),
		EnabledTechniques: r.in.Agent.Config.TechniqueNames(),
		PipelineMetadata:  r.metadata,
		Iterations:        r.state.Iteration,
		DurationMs:        time.Since(r.start).Milliseconds(),
	})
}

// stream runs the final streaming call. The inference timeout applies to
// opening the stream and to each wait for the next chunk.
func (r *run) stream(ctx context.Context, seg *segmenter.Segmenter) error {
	timeout := r.exec.cfg.InferenceTimeout
	provider := r.in.Agent.Provider

	ctx, span := tracing.StartSpan(ctx, "orchestrator.stream")
	defer span.End()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type opened struct {
		chunks <-chan agent.StreamChunk
		err    error
	}
	openCh := make(chan opened, 1)
	req := r.in.Agent.Request(r.messages)

	start := time.Now()
	go func() {
		defer r.recoverBackend(func(err error) { openCh <- opened{err: err} })
		chunks, err := provider.Stream(streamCtx, req)
		openCh <- opened{chunks: chunks, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	fail := func(err error) error {
		observability.RecordBackendCall(provider.Provider(), "stream", time.Since(start), false)
		span.RecordError(err)
		return err
	}

	var chunks <-chan agent.StreamChunk
	select {
	case o := <-openCh:
		var crashed *panicError
		if errors.As(o.err, &crashed) {
			return fail(o.err)
		}
		if o.err != nil {
			return fail(r.backendError(ctx, "stream", o.err))
		}
		chunks = o.chunks
	case <-timer.C:
		return fail(&BackendTimeoutError{Op: "stream", Timeout: timeout})
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		timer.Reset(timeout)
		select {
		case chunk, ok := <-chunks:
			if !ok {
				observability.RecordBackendCall(provider.Provider(), "stream", time.Since(start), true)
				return nil
			}
			if chunk.Err != nil {
				return fail(r.backendError(ctx, "stream", chunk.Err))
			}
			if err := r.emitDeltas(ctx, seg.Push(chunk.Content)); err != nil {
				return err
			}
		case <-timer.C:
			return fail(&BackendTimeoutError{Op: "stream", Timeout: timeout})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *run) emitDeltas(ctx context.Context, deltas []segmenter.Delta) error {
	for _, d := range deltas {
		var err error
		if d.Channel == segmenter.Reasoning {
			err = r.emitReasoning(ctx, d.Text)
		} else {
			r.state.Answer.WriteString(d.Text)
			err = r.emitter.Emit(ctx, events.TypeToken, events.TokenData{
				Token:              d.Text,
				CumulativeResponse: r.state.Answer.String(),
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) emitReasoning(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	r.state.Reasoning.WriteString(text)
	return r.emitter.Emit(ctx, events.TypeReasoningToken, events.ReasoningTokenData{
		Token:               text,
		CumulativeReasoning: r.state.Reasoning.String(),
	})
}

func (r *run) appendTurn(ctx context.Context, turn session.Turn) error {
	start := time.Now()
	if err := r.exec.sessions.AppendTurn(ctx, r.in.SessionID, turn); err != nil {
		return err
	}
	observability.RecordSessionSave(time.Since(start))
	return nil
}

// fail emits the single error event of a failed run.
func (r *run) fail(ctx context.Context, err error) {
	if !r.state.State.Terminal() {
		r.state.advance(StateFailed)
	}
	kind, message, suggestion := Classify(err)
	r.logger.Error().Err(err).Str("kind", kind).Str("state", r.state.History[len(r.state.History)-2].String()).Msg("Run failed")

	if emitErr := r.emitter.Emit(ctx, events.TypeError, events.ErrorData{
		Kind:            kind,
		Message:         message,
		Suggestion:      suggestion,
		PartialResponse: r.state.Answer.String(),
	}); emitErr != nil {
		r.logger.Debug().Err(emitErr).Msg("Error event not delivered")
	}
}

// cancel emits the cancelled marker on a short detached deadline.
func (r *run) cancel(ctx context.Context) {
	if !r.state.State.Terminal() {
		r.state.advance(StateFailed)
	}
	reason := context.Cause(ctx).Error()
	r.logger.Info().Str("reason", reason).Msg("Run cancelled")

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
	defer cancel()
	if err := r.emitter.Emit(graceCtx, events.TypeCancelled, events.CancelledData{
		Reason:          reason,
		PartialResponse: r.state.Answer.String(),
	}); err != nil {
		r.logger.Debug().Err(err).Msg("Cancelled marker not delivered")
	}
}

// historyMessages turns stored session turns into provider messages.
func historyMessages(turns []session.Turn) []agent.Message {
	msgs := make([]agent.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case session.RoleUser:
			msgs = append(msgs, agent.Message{Role: agent.RoleUser, Content: t.Content})
		case session.RoleAssistant:
			if t.ToolCall != nil {
				msgs = append(msgs, agent.Message{
					Role:    agent.RoleAssistant,
					Content: t.Content,
					ToolCalls: []agent.ToolCall{{
						ID:        t.ToolCall.ID,
						Name:      t.ToolCall.Tool,
						Arguments: t.ToolCall.Arguments,
					}},
				})
				continue
			}
			if t.Content != "" {
				msgs = append(msgs, agent.Message{Role: agent.RoleAssistant, Content: t.Content})
			}
		case session.RoleTool:
			if t.ToolCall == nil {
				continue
			}
			msgs = append(msgs, agent.Message{Role: agent.RoleTool, Content: t.Content, ToolCallID: t.ToolCall.ID})
		}
	}
	return msgs
}

// resultText is what the model sees as a tool's output.
func resultText(record session.ToolInvocation) string {
	if !record.Success {
		return "Error: " + record.Error
	}
	switch v := record.Result.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	data, err := json.Marshal(record.Result)
	if err != nil {
		return fmt.Sprintf("%v", record.Result)
	}
	return string(data)
}
