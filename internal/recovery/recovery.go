// Package recovery drives a stuck progressive source back into playback:
// reload the track, let it settle briefly, then seek as close to the target as
// the buffered data allows.
//
// The sequence is an explicit state machine advanced by the caller's ticks so
// that progress is inspectable and a Reset cancels it outright.
package recovery

import (
	"time"

	"loopsync/internal/buffered"
)

// SettleDelay is how long to wait after a successful reload before seeking.
const SettleDelay = 100 * time.Millisecond

// Stage is the position of a recovery attempt in its sequence.
type Stage int

const (
	Idle Stage = iota
	Reloading
	Settling
)

func (s Stage) String() string {
	switch s {
	case Reloading:
		return "reloading"
	case Settling:
		return "settling"
	default:
		return "idle"
	}
}

// Machine is the recovery state. The zero value is idle.
type Machine struct {
	Stage     Stage
	StartedAt time.Time
	// Attempts counts every Begin; LastRecoveryAt is the time of the most
	// recent one.
	Attempts       int
	LastRecoveryAt time.Time
}

// Active reports whether a recovery attempt is in progress.
func (m Machine) Active() bool { return m.Stage != Idle }

// Begin starts an attempt. The caller must request a reload and report its
// outcome through ReloadResult.
func (m Machine) Begin(now time.Time) Machine {
	m.Stage = Reloading
	m.StartedAt = now
	m.Attempts++
	m.LastRecoveryAt = now
	return m
}

// ReloadResult records the reload outcome. A failed reload abandons the
// attempt; the stuck guard may trigger another one later.
func (m Machine) ReloadResult(now time.Time, err error) Machine {
	if m.Stage != Reloading {
		return m
	}
	if err != nil {
		m.Stage = Idle
		return m
	}
	m.Stage = Settling
	m.StartedAt = now
	return m
}

// Advance moves a settling attempt forward. Once SettleDelay has elapsed it
// returns the seek target toward desired (ok is false when no forward seek is
// possible) and the machine goes idle.
func (m Machine) Advance(now time.Time, ranges []buffered.Range, current, desired float64) (Machine, float64, bool) {
	if m.Stage != Settling || now.Sub(m.StartedAt) < SettleDelay {
		return m, 0, false
	}
	m.Stage = Idle
	target := buffered.SafeSeekTarget(ranges, current, desired)
	if target <= 0 {
		return m, 0, false
	}
	return m, target, true
}

// Reset cancels any attempt in progress. Counters are kept.
func (m Machine) Reset() Machine {
	m.Stage = Idle
	m.StartedAt = time.Time{}
	return m
}
