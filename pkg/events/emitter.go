package events

import (
	"context"
	"sync/atomic"

	"github.com/harun/ctxlab/internal/observability"
)

// Emitter stamps events with the run id and a monotonic sequence number and
// writes them to the run's channel.
type Emitter struct {
	runID string
	seq   uint64
	out   chan<- Event
}

// NewEmitter creates an emitter writing to out.
func NewEmitter(runID string, out chan<- Event) *Emitter {
	return &Emitter{runID: runID, out: out}
}

func (e *Emitter) stamp(t Type, data interface{}) Event {
	ev := New(t, data)
	ev.Seq = atomic.AddUint64(&e.seq, 1)
	ev.RunID = e.runID
	return ev
}

// Emit blocks until the consumer takes the event or ctx is done.
func (e *Emitter) Emit(ctx context.Context, t Type, data interface{}) error {
	ev := e.stamp(t, data)
	select {
	case e.out <- ev:
		observability.RecordEvent(string(t))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
