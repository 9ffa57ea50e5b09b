// Package latency measures the local audio-output pipeline delay once and
// combines it with user and platform corrections into the compensation term
// of the clock model.
//
// Measurement is best effort. If the platform cannot report a latency the
// measured value stays at zero and synchronization runs uncompensated.
package latency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnavailable is returned by a Probe when the platform exposes no latency
// measurement.
var ErrUnavailable = errors.New("pipeline latency unavailable")

// Probe reports the base (processing block) and output (device/driver) delay
// of the audio pipeline.
type Probe interface {
	PipelineLatency(ctx context.Context) (base, output time.Duration, err error)
}

// State holds the latency terms. It is written by the estimator and the
// control API and read on every tick.
type State struct {
	mu         sync.RWMutex
	measured   float64 // seconds
	userMillis float64
}

// NewState returns a State with the given user-supplied latency.
func NewState(userMillis float64) *State {
	return &State{userMillis: userMillis}
}

// Measured returns the measured pipeline latency in seconds (0 until known).
func (s *State) Measured() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.measured
}

// UserMillis returns the user-supplied extra latency.
func (s *State) UserMillis() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userMillis
}

// SetUserMillis updates the user-supplied latency; the next tick uses it.
func (s *State) SetUserMillis(ms float64) {
	s.mu.Lock()
	s.userMillis = ms
	s.mu.Unlock()
}

// Total is the compensation in seconds: measured + user/1000 + platform lag.
func (s *State) Total(platformSeekLag float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.measured + s.userMillis/1000 + platformSeekLag
}

func (s *State) setMeasured(sec float64) {
	s.mu.Lock()
	s.measured = sec
	s.mu.Unlock()
}

// Estimator runs the probe until it succeeds once.
type Estimator struct {
	probe Probe
	state *State

	mu   sync.Mutex
	done bool
}

// NewEstimator returns an estimator that stores its result in state. A nil
// probe means the platform has no measurement; Measure is then a no-op.
func NewEstimator(probe Probe, state *State) *Estimator {
	return &Estimator{probe: probe, state: state}
}

// Measure queries the probe and records base+output latency. After the first
// success further calls do nothing. Failures leave the measurement at zero
// and are never returned to the caller.
func (e *Estimator) Measure(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.probe == nil {
		return
	}

	base, output, err := e.probe.PipelineLatency(ctx)
	if err != nil {
		slog.Debug("pipeline latency not measured", "err", err)
		return
	}
	total := base + output
	if total < 0 {
		total = 0
	}
	e.state.setMeasured(total.Seconds())
	e.done = true
	slog.Info("pipeline latency measured", "base", base, "output", output)
}

// Measured reports whether a measurement has been recorded.
func (e *Estimator) Measured() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}
