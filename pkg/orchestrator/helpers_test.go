package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/ctxlab/pkg/agent"
	"github.com/harun/ctxlab/pkg/events"
	"github.com/harun/ctxlab/pkg/session"
	"github.com/harun/ctxlab/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// reply is one scripted answer to Call.
type reply struct {
	resp *agent.LLMResponse
	err  error
	// hang blocks the call until the provider is released, ignoring ctx.
	hang bool
	// wait blocks the call until ctx is done.
	wait  bool
	panic bool
}

// scriptedProvider answers Call with replies in order, repeating the last
// one, and Stream with chunks.
type scriptedProvider struct {
	mu        sync.Mutex
	replies   []reply
	chunks    []string
	streamErr error
	// stall stops the stream after the chunks without closing it.
	stall   bool
	calls   int
	streams int
	active  int
	peak    int
	delay   time.Duration
	release chan struct{}
	reqs    []agent.LLMRequest
}

func newScriptedProvider(t *testing.T, replies ...reply) *scriptedProvider {
	p := &scriptedProvider{replies: replies, release: make(chan struct{})}
	t.Cleanup(func() { close(p.release) })
	return p
}

func answer(content string) reply {
	return reply{resp: &agent.LLMResponse{Content: content}}
}

func toolCall(name string, args map[string]interface{}) reply {
	return reply{resp: &agent.LLMResponse{ToolCalls: []agent.ToolCall{{Name: name, Arguments: args}}}}
}

func (p *scriptedProvider) Call(ctx context.Context, request agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	r := p.replies[min(p.calls, len(p.replies)-1)]
	p.calls++
	p.active++
	p.peak = max(p.peak, p.active)
	p.reqs = append(p.reqs, request)
	delay := p.delay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	switch {
	case r.panic:
		panic("backend exploded")
	case r.hang:
		<-p.release
		return nil, context.Canceled
	case r.wait:
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.resp, r.err
}

func (p *scriptedProvider) Stream(ctx context.Context, request agent.LLMRequest) (<-chan agent.StreamChunk, error) {
	p.mu.Lock()
	p.streams++
	p.reqs = append(p.reqs, request)
	p.mu.Unlock()

	if p.streamErr != nil {
		return nil, p.streamErr
	}

	out := make(chan agent.StreamChunk)
	go func() {
		for _, c := range p.chunks {
			select {
			case out <- agent.StreamChunk{Content: c}:
			case <-ctx.Done():
				close(out)
				return
			}
		}
		if p.stall {
			<-p.release
		}
		close(out)
	}()
	return out, nil
}

func (p *scriptedProvider) ValidateModel(ctx context.Context, model string) error {
	if model == "missing-model" {
		return &agent.AgentConstructionError{Model: model, Reason: "model not served by backend"}
	}
	return nil
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) requests() []agent.LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.LLMRequest(nil), p.reqs...)
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(r))
	return r
}

func newAgent(t *testing.T, provider agent.LLMProvider, toolNames ...string) *agent.CachedAgent {
	t.Helper()
	set, err := newRegistry(t).Select(toolNames)
	require.NoError(t, err)
	return &agent.CachedAgent{
		Config:   agent.Configuration{Model: "test-model", Tools: toolNames},
		Provider: provider,
		Tools:    set,
	}
}

func newTestExecutor(t *testing.T, cfg Config, store session.Store) *Executor {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	exec, err := NewExecutor(cfg, store, nil)
	require.NoError(t, err)
	return exec
}

func newSession(t *testing.T, store session.Store, id string) {
	t.Helper()
	_, err := store.Ensure(context.Background(), id)
	require.NoError(t, err)
}

// collect drains a run's channel.
func collect(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("run did not finish, got %d events", len(out))
		}
	}
}

// sequence renders event types as a space separated string.
func sequence(evs []events.Event) string {
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = string(ev.Type)
	}
	return strings.Join(types, " ")
}

func last(evs []events.Event) events.Event {
	return evs[len(evs)-1]
}

func joined(evs []events.Event, t events.Type) string {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Type != t {
			continue
		}
		switch d := ev.Data.(type) {
		case events.TokenData:
			b.WriteString(d.Token)
		case events.ReasoningTokenData:
			b.WriteString(d.Token)
		}
	}
	return b.String()
}
