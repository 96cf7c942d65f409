package daemon

import (
	"context"
	"errors"
	"time"
)

// maintenanceInterval is how often the event loop logs queue stats.
const maintenanceInterval = 30 * time.Second

// EventLoop runs knowledge resyncs and periodic maintenance
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run processes resync requests and maintenance ticks until ctx is done.
// Resyncs run one at a time; requests arriving meanwhile collapse into one.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-e.daemon.runtime.SyncRequests():
			e.syncKnowledge(ctx)

		case <-ticker.C:
			e.processTasks()
		}
	}
}

func (e *EventLoop) syncKnowledge(ctx context.Context) {
	if _, err := e.daemon.runtime.SyncKnowledge(ctx); err != nil {
		if errors.Is(err, ErrKnowledgeDisabled) || ctx.Err() != nil {
			return
		}
		e.daemon.logger.Warn().Err(err).Msg("Knowledge sync failed")
	}
}

// processTasks logs queue stats for monitoring
func (e *EventLoop) processTasks() {
	stats := e.daemon.runtime.Queue.GetStats()
	for lane, laneStats := range stats {
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			e.daemon.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Queue stats")
		}
	}
}

// HandleShutdown waits briefly for queued runs to drain.
func (e *EventLoop) HandleShutdown() {
	e.daemon.logger.Info().Msg("Handling graceful shutdown")

	if e.daemon.runtime.Queue.WaitForActive(5 * time.Second) {
		e.daemon.logger.Info().Msg("All active tasks completed")
	} else {
		e.daemon.logger.Warn().Msg("Active tasks still running after shutdown grace")
	}
}
