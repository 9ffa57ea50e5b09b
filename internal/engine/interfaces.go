package engine

import (
	"time"

	"loopsync/internal/policy"
)

// Source is the playback capability the engine drives. Defining it here lets
// the engine be tested with a fake source.
//
// Every method may fail; the engine treats failures as transient and tries
// again on a later tick.
type Source interface {
	// Snapshot reads position, pause state, duration and buffered ranges.
	Snapshot() (policy.Snapshot, error)
	Seek(position float64) error
	// Reload asks the source to reopen its current track.
	Reload() error
	// Resume asks a paused source to continue playing.
	Resume() error
	Kind() policy.Kind
}

// Scheduler runs fn every interval until the returned cancel func is called.
// Invocations of fn never overlap.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (cancel func())
}

// EventSink receives notable corrections for the event log. Record must not
// block the tick.
type EventSink interface {
	Record(Event)
}
