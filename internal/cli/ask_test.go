package cli

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/harun/ctxlab/pkg/agent"
	"github.com/harun/ctxlab/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTechniques(t *testing.T) {
	t.Run("should parse kinds and typed parameters", func(t *testing.T) {
		got, err := parseTechniques([]string{"Retrieval:top_k=5,rerank=true", "memory", "compression:strategy=extractive"})
		require.NoError(t, err)
		require.Len(t, got, 3)

		assert.Equal(t, agent.TechniqueRetrieval, got[0].Kind)
		assert.Equal(t, 5.0, got[0].Params["top_k"])
		assert.Equal(t, true, got[0].Params["rerank"])
		assert.Equal(t, agent.TechniqueMemory, got[1].Kind)
		assert.Nil(t, got[1].Params)
		assert.Equal(t, "extractive", got[2].Params["strategy"])
	})

	tests := []struct {
		name string
		spec string
	}{
		{"empty kind", ":top_k=5"},
		{"missing equals", "retrieval:top_k"},
		{"empty key", "retrieval:=5"},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			_, err := parseTechniques([]string{tt.spec})
			assert.Error(t, err)
		})
	}
}

func feed(evs ...events.Event) <-chan events.Event {
	ch := make(chan events.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestRenderEvents(t *testing.T) {
	t.Run("should split reasoning from the answer", func(t *testing.T) {
		var out, errOut bytes.Buffer
		err := renderEvents(&out, &errOut, feed(
			events.New(events.TypeReasoningToken, events.ReasoningTokenData{Token: "thinking"}),
			events.New(events.TypeToken, events.TokenData{Token: "Hel"}),
			events.New(events.TypeToken, events.TokenData{Token: "lo"}),
			events.New(events.TypeComplete, events.CompleteData{}),
		), false)

		require.NoError(t, err)
		assert.Equal(t, "Hello\n", out.String())
		assert.Equal(t, "thinking", errOut.String())
	})

	t.Run("should report the error event", func(t *testing.T) {
		var out bytes.Buffer
		err := renderEvents(&out, &out, feed(
			events.New(events.TypeError, events.ErrorData{Kind: "BackendUnavailable", Message: "connection refused", Suggestion: "start the backend"}),
		), false)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "BackendUnavailable")
		assert.Contains(t, err.Error(), "start the backend")
	})

	t.Run("should report cancellation", func(t *testing.T) {
		var out bytes.Buffer
		err := renderEvents(&out, &out, feed(
			events.New(events.TypeToken, events.TokenData{Token: "par"}),
			events.New(events.TypeCancelled, events.CancelledData{Reason: "interrupted", PartialResponse: "par"}),
		), false)

		assert.True(t, errors.Is(err, errRunCancelled))
		assert.Equal(t, "par\n", out.String())
	})

	t.Run("should print events as JSON lines", func(t *testing.T) {
		var out, errOut bytes.Buffer
		err := renderEvents(&out, &errOut, feed(
			events.New(events.TypeToken, events.TokenData{Token: "Hi"}),
			events.New(events.TypeComplete, events.CompleteData{}),
		), true)

		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[0], `"type":"token"`)
		assert.Contains(t, lines[1], `"type":"complete"`)
		assert.Empty(t, errOut.String())
	})
}

func TestAskCommand(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "created": 0, "model": "qwen3:8b",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "<think>adding</think>96"}}]
		}`))
	}))
	defer backend.Close()

	cfgPath, _ := writeTestConfig(t, `"backend": {"base_url": `+strconv.Quote(backend.URL+"/v1")+`}`)

	output, err := execute(t, "ask", "--config", cfgPath, "--stream=false", "--reasoning=false", "--session", "cli-test", "what is 12*8?")
	require.NoError(t, err)
	assert.Equal(t, "96\n", output)
}
