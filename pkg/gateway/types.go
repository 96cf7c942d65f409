package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ctxlab/pkg/agent"
	"github.com/harun/ctxlab/pkg/events"
	"github.com/harun/ctxlab/pkg/orchestrator"
)

// SecretHeader carries the shared secret on HTTP requests and on the
// WebSocket upgrade request.
const SecretHeader = "X-Ctxlab-Secret"

// Response headers identifying the run behind an SSE stream.
const (
	RunIDHeader     = "X-Ctxlab-Run-Id"
	SessionIDHeader = "X-Ctxlab-Session-Id"
)

// QueryRequest is the inbound query, shared by POST /api/query and the
// WebSocket run message.
type QueryRequest struct {
	SessionID     string               `json:"session_id,omitempty"`
	Query         string               `json:"query"`
	Model         string               `json:"model,omitempty"`
	Stream        bool                 `json:"stream"`
	ContextConfig *agent.ContextConfig `json:"context_config,omitempty"`
}

func (q QueryRequest) toRunRequest() orchestrator.Request {
	return orchestrator.Request{
		SessionID:     q.SessionID,
		Query:         q.Query,
		Model:         q.Model,
		Stream:        q.Stream,
		ContextConfig: q.ContextConfig,
	}
}

// BatchResponse is the body of a non-streaming POST /api/query.
type BatchResponse struct {
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id"`
	Events    []events.Event `json:"events"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Client message types.
const (
	MessageAuth   = "auth"
	MessageRun    = "run"
	MessageCancel = "cancel"
	MessagePing   = "ping"
)

// ClientMessage is a frame sent by a WebSocket client. Run messages embed
// the query fields; ID is echoed back in the matching ack or error frame.
type ClientMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Signature string `json:"signature,omitempty"`
	QueryRequest
}

// Server frame types other than run events.
const (
	FrameAuthChallenge = "auth.challenge"
	FrameAuthSuccess   = "auth.success"
	FrameAuthFailure   = "auth.failure"
	FrameRunStarted    = "run_started"
	FrameCancelled     = "cancel_ack"
	FramePong          = "pong"
	FrameError         = "gateway_error"
	FrameShutdown      = "server_shutdown"
)

// ControlFrame is a server frame that is not a run event.
type ControlFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Error codes used in ErrorResponse and gateway_error frames.
const (
	CodeBadRequest         = "bad_request"
	CodeUnauthorized       = "unauthorized"
	CodeRateLimited        = "rate_limited"
	CodeTooManyConcurrent  = "too_many_concurrent"
	CodeNotFound           = "not_found"
	CodeInternal           = "internal"
	CodeShuttingDown       = "shutting_down"
	CodeAuthenticationNeed = "authentication_required"
)

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
	ActiveRuns    int       `json:"active_runs"`
}

// Client represents a connected WebSocket client
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	mu            sync.Mutex
	authenticated bool
	challenge     string
	authAttempts  int
	lastActivity  time.Time
	runs          map[string]bool

	writeMu sync.Mutex
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

func (c *Client) writeControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// Authenticated reports whether the client passed authentication.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) addRun(runID string) {
	c.mu.Lock()
	c.runs[runID] = true
	c.mu.Unlock()
}

func (c *Client) removeRun(runID string) {
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}

func (c *Client) ownsRun(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[runID]
}

func (c *Client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:            c.ID,
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		IPAddress:     c.IPAddress,
		ActiveRuns:    len(c.runs),
	}
}
