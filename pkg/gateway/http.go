package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/harun/ctxlab/internal/tracing"
	"github.com/harun/ctxlab/pkg/events"
	"github.com/harun/ctxlab/pkg/orchestrator"
	"github.com/harun/ctxlab/pkg/session"
)

const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// startErrorStatus maps a synchronous Start failure to a status and code.
func startErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyQuery), errors.Is(err, session.ErrInvalidSessionID):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, ErrTooManyConcurrent):
		return http.StatusTooManyRequests, CodeTooManyConcurrent
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleQuery runs one query. The run is bound to the request context, so
// a client that disconnects cancels it.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, CodeShuttingDown, "server is shutting down")
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	release, err := s.limiters.Get(clientKey(r)).Acquire()
	if err != nil {
		status, code := startErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	defer release()

	run, err := s.cfg.Runs.Start(r.Context(), req.toRunRequest())
	if err != nil {
		status, code := startErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	logger.Info().
		Str("run_id", run.ID).
		Str("session_id", run.SessionID).
		Bool("stream", req.Stream).
		Msg("Gateway started run")

	if req.Stream {
		s.streamSSE(w, run)
		return
	}

	evs := make([]events.Event, 0, 16)
	for ev := range run.Events {
		evs = append(evs, ev)
	}
	writeJSON(w, http.StatusOK, BatchResponse{RunID: run.ID, SessionID: run.SessionID, Events: evs})
}

// streamSSE writes each event as a server-sent event named after its type.
// The channel is always drained so the run can finish after a disconnect.
func (s *Server) streamSSE(w http.ResponseWriter, run *orchestrator.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		for range run.Events {
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(RunIDHeader, run.ID)
	h.Set(SessionIDHeader, run.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	broken := false
	for ev := range run.Events {
		if broken {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to marshal event")
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
			broken = true
			continue
		}
		flusher.Flush()
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cfg.Sessions.List(r.Context())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": ids})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := session.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	sess, err := s.cfg.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleClearSession drops a session's turns. With ?purge=true the session
// itself is deleted.
func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := session.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	var err error
	if r.URL.Query().Get("purge") == "true" {
		if dropped := s.cfg.Runs.DropQueued(id); dropped > 0 {
			s.logger.Info().Str("session_id", id).Int("dropped", dropped).Msg("Dropped queued runs of purged session")
		}
		err = s.cfg.Sessions.Delete(r.Context(), id)
	} else {
		err = s.cfg.Sessions.Clear(r.Context(), id)
	}
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	var notFound *session.NotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
		return
	}
	s.logger.Error().Err(err).Msg("Session store failure")
	writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Runs.Active())
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Runs.Cancel(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
