package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/harun/ctxlab/internal/config"
	"github.com/harun/ctxlab/internal/logger"
	"github.com/harun/ctxlab/pkg/agent"
	"github.com/stretchr/testify/require"
)

// stubProvider answers every call with content.
type stubProvider struct {
	mu      sync.Mutex
	content string
	calls   int
}

func (p *stubProvider) Call(ctx context.Context, request agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return &agent.LLMResponse{Content: p.content}, nil
}

func (p *stubProvider) Stream(ctx context.Context, request agent.LLMRequest) (<-chan agent.StreamChunk, error) {
	ch := make(chan agent.StreamChunk, 1)
	ch <- agent.StreamChunk{Content: p.content}
	close(ch)
	return ch, nil
}

func (p *stubProvider) ValidateModel(ctx context.Context, model string) error { return nil }

func (p *stubProvider) Provider() string { return "stub" }

// useStubProvider swaps the backend factory for the duration of the test.
func useStubProvider(t *testing.T, content string) *stubProvider {
	t.Helper()
	provider := &stubProvider{content: content}
	original := newProvider
	newProvider = func(agent.ProviderOptions) (agent.LLMProvider, error) { return provider, nil }
	t.Cleanup(func() { newProvider = original })
	return provider
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Sessions.Dir = filepath.Join(tmpDir, "sessions")
	cfg.Knowledge.DBPath = filepath.Join(tmpDir, "knowledge.db")
	cfg.Gateway.Listen = "127.0.0.1:0"
	cfg.Gateway.SharedSecret = "test-secret"
	return cfg
}

// enableKnowledge points the knowledge base at a fresh docs directory.
func enableKnowledge(t *testing.T, cfg *config.Config) string {
	t.Helper()
	docs := filepath.Join(cfg.DataDir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	cfg.Knowledge.Enabled = true
	cfg.Knowledge.Sources = []string{docs}
	return docs
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{
		Level:   "info",
		Console: false,
	})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// createTestDaemon creates a daemon backed by a stub provider
func createTestDaemon(t *testing.T, mutate ...func(*config.Config)) *Daemon {
	t.Helper()
	useStubProvider(t, "<think>checking</think>Hello")

	cfg := newTestConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	daemon, err := New(cfg, newTestLogger(t))
	require.NoError(t, err)
	return daemon
}
