package engine

import "time"

// Event kinds.
const (
	EventSeek     = "seek"
	EventLoop     = "loop"
	EventRecovery = "recovery"
	EventResume   = "resume"
)

// Event is one correction performed by the engine.
type Event struct {
	At          time.Time `json:"at"`
	Kind        string    `json:"kind"`
	From        float64   `json:"from"`
	To          float64   `json:"to"`
	DriftMillis float64   `json:"drift_ms"`
	Tactic      string    `json:"tactic,omitempty"`
	Err         string    `json:"error,omitempty"`
}

// Failed reports whether the source rejected the correction.
func (e Event) Failed() bool { return e.Err != "" }
