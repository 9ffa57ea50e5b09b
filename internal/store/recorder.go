package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"loopsync/internal/engine"
)

const writeTimeout = 2 * time.Second

// Recorder is an engine.EventSink that writes events for one session in the
// background. Record never blocks; events are dropped when the queue is full.
type Recorder struct {
	st        *Store
	sessionID string
	queue     chan engine.Event
	dropped   atomic.Uint64
	written   atomic.Uint64
}

var _ engine.EventSink = (*Recorder)(nil)

// NewRecorder returns a recorder with room for size queued events.
func NewRecorder(st *Store, sessionID string, size int) *Recorder {
	if size <= 0 {
		size = 256
	}
	return &Recorder{st: st, sessionID: sessionID, queue: make(chan engine.Event, size)}
}

// SessionID is the session events are recorded under.
func (r *Recorder) SessionID() string { return r.sessionID }

// Record queues ev for writing.
func (r *Recorder) Record(ev engine.Event) {
	select {
	case r.queue <- ev:
	default:
		if r.dropped.Add(1) == 1 {
			slog.Warn("event queue full, dropping events", "session_id", r.sessionID)
		}
	}
}

// Dropped returns the number of events lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of events stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Run writes queued events until ctx is cancelled, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.queue:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ev engine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := r.st.InsertEvent(ctx, r.sessionID, ev); err != nil {
		slog.Warn("record event", "kind", ev.Kind, "err", err)
		return
	}
	r.written.Add(1)
}
