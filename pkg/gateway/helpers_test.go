package gateway

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ctxlab/pkg/events"
	"github.com/harun/ctxlab/pkg/orchestrator"
	"github.com/harun/ctxlab/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// fakeRuns replays a fixed event script per run. With block set, runs wait
// for cancellation and end with a cancelled event.
type fakeRuns struct {
	mu       sync.Mutex
	script   []events.Event
	block    bool
	next     int
	requests []orchestrator.Request
	active   map[string]context.CancelFunc
	dropped  []string
}

func newFakeRuns(script ...events.Event) *fakeRuns {
	return &fakeRuns{script: script, active: make(map[string]context.CancelFunc)}
}

func plainAnswer(text string) []events.Event {
	return []events.Event{
		events.New(events.TypeToken, events.TokenData{Token: text, CumulativeResponse: text}),
		events.New(events.TypeComplete, events.CompleteData{Model: "test-model", ResponseLength: len(text)}),
	}
}

func (f *fakeRuns) Start(ctx context.Context, req orchestrator.Request) (*orchestrator.Run, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, orchestrator.ErrEmptyQuery
	}
	if req.SessionID == "" {
		req.SessionID = "generated-session"
	}
	if err := session.ValidateID(req.SessionID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.next++
	runID := fmt.Sprintf("run-%d", f.next)
	runCtx, cancel := context.WithCancel(ctx)
	f.active[runID] = cancel
	f.requests = append(f.requests, req)
	script, block := f.script, f.block
	f.mu.Unlock()

	out := make(chan events.Event, len(script)+1)
	go func() {
		defer close(out)
		defer func() {
			f.mu.Lock()
			delete(f.active, runID)
			f.mu.Unlock()
			cancel()
		}()

		emitter := events.NewEmitter(runID, out)
		if block {
			<-runCtx.Done()
			_ = emitter.Emit(context.Background(), events.TypeCancelled, events.CancelledData{Reason: "run cancelled"})
			return
		}
		for _, ev := range script {
			_ = emitter.Emit(context.Background(), ev.Type, ev.Data)
		}
	}()

	return &orchestrator.Run{ID: runID, SessionID: req.SessionID, Events: out}, nil
}

func (f *fakeRuns) Cancel(runID string) error {
	f.mu.Lock()
	cancel, ok := f.active[runID]
	f.mu.Unlock()
	if !ok {
		return orchestrator.ErrRunNotFound
	}
	cancel()
	return nil
}

func (f *fakeRuns) Active() []orchestrator.RunInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]orchestrator.RunInfo, 0, len(f.active))
	for id := range f.active {
		infos = append(infos, orchestrator.RunInfo{ID: id})
	}
	return infos
}

func (f *fakeRuns) DropQueued(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, sessionID)
	return 0
}

func (f *fakeRuns) lastRequest() orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	runs     *fakeRuns
	sessions session.Store
}

func newTestEnv(t *testing.T, runs *fakeRuns, mutate ...func(*Config)) *testEnv {
	t.Helper()

	sessions := session.NewMemoryStore()
	cfg := Config{
		SharedSecret:      testSecret,
		RequestsPerMinute: 100,
		MaxConcurrent:     4,
		Runs:              runs,
		Sessions:          sessions,
		Logger:            zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})

	return &testEnv{server: srv, http: ts, runs: runs, sessions: sessions}
}

func (e *testEnv) dial(t *testing.T, withSecret bool) *websocket.Conn {
	t.Helper()

	header := make(map[string][]string)
	if withSecret {
		header[SecretHeader] = []string{testSecret}
	}
	wsURL := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrame reads one frame as a generic map.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil reads frames until one of the given type arrives and returns
// every frame type seen on the way.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) []string {
	t.Helper()
	var seen []string
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		typ, _ := frame["type"].(string)
		seen = append(seen, typ)
		if typ == frameType {
			return seen
		}
	}
	t.Fatalf("no %s frame after %v", frameType, seen)
	return nil
}
