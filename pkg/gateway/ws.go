package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ctxlab/internal/tracing"
	"github.com/harun/ctxlab/pkg/orchestrator"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxMessageSize      = 1 << 20
)

// handleWebSocket upgrades the connection. A client that sent the shared
// secret header is authenticated at once; any other client receives a
// challenge it must sign before starting runs.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, CodeShuttingDown, "server is shutting down")
		return
	}

	preAuthenticated := !s.auth.Enabled() || s.auth.CheckSecret(r.Header.Get(SecretHeader))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}

	now := time.Now()
	client := &Client{
		ID:            clientID,
		Conn:          conn,
		ConnectedAt:   now,
		IPAddress:     clientKey(r),
		RateLimiter:   s.limiters.New(),
		authenticated: preAuthenticated,
		lastActivity:  now,
		runs:          make(map[string]bool),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", client.IPAddress).
		Bool("authenticated", preAuthenticated).
		Msg("Client connected")

	s.connWG.Add(1)
	go s.serveClient(client)
}

// serveClient owns one connection. Runs started on it live in the
// connection context and are cancelled when the client goes away.
func (s *Server) serveClient(client *Client) {
	defer s.connWG.Done()

	ctx, cancel := context.WithCancel(tracing.WithConnectionID(s.connCtx, client.ID))
	logger := s.logger.With().Str("client_id", client.ID).Logger()
	var runsWG sync.WaitGroup

	defer func() {
		cancel()
		_ = client.Conn.Close()
		runsWG.Wait()
		s.clients.Remove(client.ID)
		logger.Info().Msg("Client disconnected")
	}()

	if err := s.greet(client); err != nil {
		logger.Error().Err(err).Msg("Failed to send greeting")
		return
	}

	readWait := s.cfg.PingInterval + writeWait
	client.Conn.SetReadLimit(maxMessageSize)
	_ = client.Conn.SetReadDeadline(time.Now().Add(readWait))
	client.Conn.SetPongHandler(func(string) error {
		client.touch()
		return client.Conn.SetReadDeadline(time.Now().Add(readWait))
	})

	go s.pingLoop(ctx, client)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = client.Conn.SetReadDeadline(time.Now().Add(readWait))
		client.touch()

		if !s.handleMessage(ctx, client, message, &runsWG, logger) {
			return
		}
	}
}

func (s *Server) greet(client *Client) error {
	if client.Authenticated() {
		return client.WriteJSON(ControlFrame{Type: FrameAuthSuccess, Timestamp: time.Now().UnixMilli()})
	}
	challenge, err := s.auth.issueChallenge(client)
	if err != nil {
		return err
	}
	return client.WriteJSON(ControlFrame{
		Type:      FrameAuthChallenge,
		Challenge: challenge,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) pingLoop(ctx context.Context, client *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles one client frame. It returns false when the
// connection should be closed.
func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte, runsWG *sync.WaitGroup, logger zerolog.Logger) bool {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.sendError(client, "", CodeBadRequest, "invalid message: "+err.Error())
		return true
	}

	if msg.Type == MessageAuth {
		return s.handleAuth(client, msg, logger)
	}

	if !client.Authenticated() {
		s.sendError(client, msg.ID, CodeAuthenticationNeed, "authentication required")
		return true
	}

	switch msg.Type {
	case MessagePing:
		s.send(client, ControlFrame{Type: FramePong, ID: msg.ID})
	case MessageRun:
		s.startRun(ctx, client, msg, runsWG, logger)
	case MessageCancel:
		s.cancelRun(client, msg)
	default:
		s.sendError(client, msg.ID, CodeBadRequest, "unknown message type: "+msg.Type)
	}
	return true
}

func (s *Server) handleAuth(client *Client, msg ClientMessage, logger zerolog.Logger) bool {
	frame, closeConn := s.auth.HandleAuthResponse(client, msg.Signature)
	frame.ID = msg.ID
	s.send(client, frame)

	if frame.Type == FrameAuthSuccess {
		logger.Info().Msg("Client authenticated")
		return true
	}
	logger.Warn().Str("reason", frame.Message).Msg("Authentication failed")
	return !closeConn
}

func (s *Server) startRun(ctx context.Context, client *Client, msg ClientMessage, runsWG *sync.WaitGroup, logger zerolog.Logger) {
	if s.shuttingDown() {
		s.sendError(client, msg.ID, CodeShuttingDown, "server is shutting down")
		return
	}

	release, err := client.RateLimiter.Acquire()
	if err != nil {
		_, code := startErrorStatus(err)
		s.sendError(client, msg.ID, code, err.Error())
		return
	}

	run, err := s.cfg.Runs.Start(ctx, msg.toRunRequest())
	if err != nil {
		release()
		_, code := startErrorStatus(err)
		s.sendError(client, msg.ID, code, err.Error())
		return
	}

	client.addRun(run.ID)
	s.send(client, ControlFrame{Type: FrameRunStarted, ID: msg.ID, RunID: run.ID, SessionID: run.SessionID})
	logger.Info().Str("run_id", run.ID).Str("session_id", run.SessionID).Msg("Gateway started run")

	runsWG.Add(1)
	go func() {
		defer runsWG.Done()
		defer release()
		defer client.removeRun(run.ID)

		var writeErr error
		for ev := range run.Events {
			if writeErr != nil {
				continue
			}
			if writeErr = client.WriteJSON(ev); writeErr != nil {
				logger.Debug().Err(writeErr).Str("run_id", run.ID).Msg("Failed to forward event")
			}
		}
	}()
}

func (s *Server) cancelRun(client *Client, msg ClientMessage) {
	if msg.RunID == "" || !client.ownsRun(msg.RunID) {
		s.sendError(client, msg.ID, CodeNotFound, "run not found: "+msg.RunID)
		return
	}
	if err := s.cfg.Runs.Cancel(msg.RunID); err != nil {
		code := CodeInternal
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			code = CodeNotFound
		}
		s.sendError(client, msg.ID, code, err.Error())
		return
	}
	s.send(client, ControlFrame{Type: FrameCancelled, ID: msg.ID, RunID: msg.RunID})
}

func (s *Server) send(client *Client, frame ControlFrame) {
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().UnixMilli()
	}
	if err := client.WriteJSON(frame); err != nil {
		s.logger.Debug().Err(err).Str("client_id", client.ID).Str("frame", frame.Type).Msg("Failed to send frame")
	}
}

func (s *Server) sendError(client *Client, id, code, message string) {
	s.send(client, ControlFrame{Type: FrameError, ID: id, Code: code, Message: message})
}
