// Package clock computes the canonical position of a looping program for a
// given wall-clock instant.
//
// Every client derives the same position from three inputs: its local wall
// clock (assumed to be reasonably accurate UTC), a shared epoch offset and the
// loop duration. There is no exchange with a server.
package clock

import (
	"errors"
	"math"
	"time"
)

// Wall supplies the current wall-clock time.
type Wall interface {
	Now() time.Time
}

// systemWall reads time relative to a fixed anchor so that successive
// readings use the monotonic clock and never go backwards when the OS clock
// is stepped.
type systemWall struct {
	anchor time.Time
}

// System returns a Wall backed by the host clock.
func System() Wall {
	return systemWall{anchor: time.Now()}
}

func (w systemWall) Now() time.Time {
	return w.anchor.Add(time.Since(w.anchor))
}

// Seconds converts t to fractional seconds since the Unix epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Config is the immutable timeline configuration shared by every client.
type Config struct {
	LoopDuration float64 // seconds, > 0
	EpochOffset  float64 // seconds, may be negative
}

// ErrInvalidLoop is returned by Validate for a non-positive or non-finite
// loop duration.
var ErrInvalidLoop = errors.New("loop duration must be a positive finite number of seconds")

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.LoopDuration <= 0 || math.IsNaN(c.LoopDuration) || math.IsInf(c.LoopDuration, 0) {
		return ErrInvalidLoop
	}
	if math.IsNaN(c.EpochOffset) || math.IsInf(c.EpochOffset, 0) {
		return errors.New("epoch offset must be finite")
	}
	return nil
}

// Normalize folds x into [0, l). Negative inputs wrap from the end.
func Normalize(x, l float64) float64 {
	r := math.Mod(math.Mod(x, l)+l, l)
	// Mod of a tiny negative value plus l can round up to exactly l.
	if r >= l {
		return 0
	}
	return r
}

// TargetPosition is the position the program should be audible at for the
// wall-clock reading now, including latency compensation (seconds).
func TargetPosition(c Config, now, compensation float64) float64 {
	return Normalize(now+c.EpochOffset+compensation, c.LoopDuration)
}

// ActualUTCPosition is TargetPosition without latency compensation. It is
// reported for diagnostics and never used for correction decisions.
func ActualUTCPosition(c Config, now float64) float64 {
	return Normalize(now+c.EpochOffset, c.LoopDuration)
}

// Fixed is a Wall that always reports the same instant. Advance moves it.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }
