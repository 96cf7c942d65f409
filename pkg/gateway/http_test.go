package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/harun/ctxlab/pkg/events"
	"github.com/harun/ctxlab/pkg/orchestrator"
	"github.com/harun/ctxlab/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, env *testEnv, method, path, body string, withSecret bool) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, env.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if withSecret {
		req.Header.Set(SecretHeader, testSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestNewServer(t *testing.T) {
	t.Run("should require a run service", func(t *testing.T) {
		_, err := NewServer(Config{Sessions: session.NewMemoryStore()})
		assert.Error(t, err)
	})

	t.Run("should require a session store", func(t *testing.T) {
		_, err := NewServer(Config{Runs: newFakeRuns()})
		assert.Error(t, err)
	})

	t.Run("should default to loopback", func(t *testing.T) {
		srv, err := NewServer(Config{Runs: newFakeRuns(), Sessions: session.NewMemoryStore()})
		require.NoError(t, err)
		assert.Equal(t, DefaultListen, srv.Addr())
	})
}

func TestServer_StartStop(t *testing.T) {
	srv, err := NewServer(Config{Listen: "127.0.0.1:0", Runs: newFakeRuns(), Sessions: session.NewMemoryStore()})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.NoError(t, srv.Stop(ctx))
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, newFakeRuns())

	resp := doRequest(t, env, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t, newFakeRuns())

	resp := doRequest(t, env, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Auth(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		withSecret bool
		wantStatus int
	}{
		{"should reject a request without the secret", testSecret, false, http.StatusUnauthorized},
		{"should accept a request with the secret", testSecret, true, http.StatusOK},
		{"should accept anything when auth is disabled", "", false, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, newFakeRuns(plainAnswer("hi")...), func(c *Config) { c.SharedSecret = tt.secret })

			resp := doRequest(t, env, http.MethodPost, "/api/query", `{"query":"hello"}`, tt.withSecret)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, CodeUnauthorized, decodeError(t, resp).Code)
			}
		})
	}
}

func TestServer_QueryBatch(t *testing.T) {
	runs := newFakeRuns(plainAnswer("Hello")...)
	env := newTestEnv(t, runs)

	resp := doRequest(t, env, http.MethodPost, "/api/query",
		`{"session_id":"s1","query":"hi","model":"small","context_config":{"techniques":[{"kind":"memory"}]}}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body BatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, "s1", body.SessionID)
	require.Len(t, body.Events, 2)
	assert.Equal(t, events.TypeToken, body.Events[0].Type)
	assert.Equal(t, "Hello", body.Events[0].Data.(events.TokenData).Token)
	assert.Equal(t, events.TypeComplete, body.Events[1].Type)
	assert.Equal(t, uint64(2), body.Events[1].Seq)

	req := runs.lastRequest()
	assert.Equal(t, "small", req.Model)
	assert.Equal(t, "hi", req.Query)
	assert.False(t, req.Stream)
	require.NotNil(t, req.ContextConfig)
}

func TestServer_QuerySSE(t *testing.T) {
	env := newTestEnv(t, newFakeRuns(plainAnswer("Hello")...))

	resp := doRequest(t, env, http.MethodPost, "/api/query", `{"query":"hi","stream":true}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "run-1", resp.Header.Get(RunIDHeader))
	assert.Equal(t, "generated-session", resp.Header.Get(SessionIDHeader))

	var names []string
	var datas []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			datas = append(datas, strings.TrimPrefix(line, "data: "))
		}
	}

	assert.Equal(t, []string{"token", "complete"}, names)
	require.Len(t, datas, 2)

	var first events.Event
	require.NoError(t, json.Unmarshal([]byte(datas[0]), &first))
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, "Hello", first.Data.(events.TokenData).CumulativeResponse)
}

func TestServer_QueryValidation(t *testing.T) {
	env := newTestEnv(t, newFakeRuns(plainAnswer("hi")...))

	tests := []struct {
		name string
		body string
	}{
		{"should reject malformed json", `{"query":`},
		{"should reject an empty query", `{"query":"  "}`},
		{"should reject an unsafe session id", `{"query":"hi","session_id":"../x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, env, http.MethodPost, "/api/query", tt.body, true)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, CodeBadRequest, decodeError(t, resp).Code)
		})
	}
}

func TestServer_QueryRateLimit(t *testing.T) {
	env := newTestEnv(t, newFakeRuns(plainAnswer("hi")...), func(c *Config) { c.RequestsPerMinute = 1 })

	first := doRequest(t, env, http.MethodPost, "/api/query", `{"query":"one"}`, true)
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := doRequest(t, env, http.MethodPost, "/api/query", `{"query":"two"}`, true)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, CodeRateLimited, decodeError(t, second).Code)
}

func TestServer_Sessions(t *testing.T) {
	env := newTestEnv(t, newFakeRuns())
	ctx := context.Background()

	_, err := env.sessions.Ensure(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, env.sessions.AppendTurn(ctx, "s1", session.Turn{Role: session.RoleUser, Content: "hello"}))

	t.Run("should list sessions", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/api/sessions", "", true)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Sessions []string `json:"sessions"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, []string{"s1"}, body.Sessions)
	})

	t.Run("should return a session", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/api/sessions/s1", "", true)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var sess session.Session
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
		assert.Equal(t, "s1", sess.ID)
		require.Len(t, sess.Turns, 1)
		assert.Equal(t, "hello", sess.Turns[0].Content)
	})

	t.Run("should return 404 for unknown sessions", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/api/sessions/missing", "", true)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, CodeNotFound, decodeError(t, resp).Code)
	})

	t.Run("should clear turns but keep the session", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodDelete, "/api/sessions/s1", "", true)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		sess, err := env.sessions.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, sess.Turns)
	})

	t.Run("should delete the session when purged", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodDelete, "/api/sessions/s1?purge=true", "", true)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		_, err := env.sessions.Get(ctx, "s1")
		var notFound *session.NotFoundError
		assert.ErrorAs(t, err, &notFound)

		env.runs.mu.Lock()
		defer env.runs.mu.Unlock()
		assert.Equal(t, []string{"s1"}, env.runs.dropped)
	})
}

func TestServer_Runs(t *testing.T) {
	runs := newFakeRuns()
	runs.block = true
	env := newTestEnv(t, runs)

	run, err := runs.Start(context.Background(), orchestrator.Request{Query: "slow"})
	require.NoError(t, err)

	t.Run("should list active runs", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodGet, "/api/runs", "", true)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), run.ID)
	})

	t.Run("should cancel a run by id", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodDelete, "/api/runs/"+run.ID, "", true)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		var last events.Event
		for ev := range run.Events {
			last = ev
		}
		assert.Equal(t, events.TypeCancelled, last.Type)
	})

	t.Run("should return 404 for unknown runs", func(t *testing.T) {
		resp := doRequest(t, env, http.MethodDelete, "/api/runs/nope", "", true)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
