package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/ctxlab/internal/observability"
	"github.com/harun/ctxlab/internal/tracing"
	"github.com/harun/ctxlab/pkg/orchestrator"
	"github.com/harun/ctxlab/pkg/session"
	"github.com/rs/zerolog"
)

// DefaultListen is the loopback address the gateway binds to by default.
const DefaultListen = "127.0.0.1:8787"

// RunService starts and cancels runs. *orchestrator.Service implements it.
type RunService interface {
	Start(ctx context.Context, req orchestrator.Request) (*orchestrator.Run, error)
	Cancel(runID string) error
	Active() []orchestrator.RunInfo
	DropQueued(sessionID string) int
}

// Config holds server configuration
type Config struct {
	Listen            string
	SharedSecret      string
	RequestsPerMinute int
	MaxConcurrent     int
	// PingInterval is how often idle WebSocket connections are pinged.
	PingInterval time.Duration
	Runs         RunService
	Sessions     session.Store
	Logger       zerolog.Logger
}

// Server exposes runs over HTTP (batch and SSE) and WebSocket.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	auth     *AuthHandler
	limiters *RateLimiterSet
	clients  *ClientRegistry
	upgrader websocket.Upgrader
	handler  http.Handler

	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	connWG         sync.WaitGroup
	connCtx        context.Context
	connCancel     context.CancelFunc
}

// NewServer creates a new gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runs == nil {
		return nil, errors.New("run service is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	connCtx, connCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		auth:       NewAuthHandler(cfg.SharedSecret),
		limiters:   NewRateLimiterSet(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		clients:    NewClientRegistry(logger),
		connCtx:    connCtx,
		connCancel: connCancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	s.handler = s.buildRouter()

	if !s.auth.Enabled() {
		logger.Warn().Msg("Gateway shared secret is empty; authentication disabled")
	}
	return s, nil
}

// buildRouter constructs the chi mux with all routes wired.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	// Public.
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	// WebSocket authenticates by header or challenge.
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Route("/api", func(r chi.Router) {
			r.Post("/query", s.handleQuery)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Delete("/sessions/{id}", s.handleClearSession)
			r.Get("/runs", s.handleListRuns)
			r.Delete("/runs/{id}", s.handleCancelRun)
		})
	})

	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Listen
}

// Stop refuses new connections, tells WebSocket clients the server is going
// away, closes them and shuts the HTTP server down within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.clients.Broadcast(ControlFrame{
		Type:    FrameShutdown,
		Code:    CodeShuttingDown,
		Message: "Server is shutting down",
	})
	s.connCancel()
	s.clients.CloseAll()

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.CheckSecret(r.Header.Get(SecretHeader)) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request with a trace id, reusing X-Trace-Id when
// the caller sent one.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(r.Context(), traceID)
		logger := tracing.LoggerFromContext(ctx, s.logger)

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":      status,
		"connections": s.clients.Count(),
		"active_runs": len(s.cfg.Runs.Active()),
	})
}
