// Package drift implements the periodic correction decision: compare the
// source's actual position with the canonical target, classify the situation
// and issue at most one corrective action per tick.
//
// Step is a pure function over an explicit State value. The caller reads the
// source, calls Step, performs the returned Decision and keeps the new State
// for the next tick. All deadlines (loop transition window, deferred resume
// check, recovery settle delay) live in State, so dropping the State cancels
// them.
package drift

import (
	"fmt"
	"math"
	"strings"
	"time"

	"loopsync/internal/clock"
	"loopsync/internal/policy"
	"loopsync/internal/recovery"
)

// Platform selects tick cadence, tolerance widening and default seek lag.
type Platform int

const (
	Desktop Platform = iota
	Mobile
)

func (p Platform) String() string {
	if p == Mobile {
		return "mobile"
	}
	return "desktop"
}

// ParsePlatform accepts "desktop" or "mobile" (case-insensitive).
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "desktop":
		return Desktop, nil
	case "mobile":
		return Mobile, nil
	default:
		return Desktop, fmt.Errorf("unknown platform %q", s)
	}
}

// TickInterval is the correction cadence. Mobile ticks are coarser; decode
// and seek latency dominate finer correction there anyway.
func TickInterval(p Platform) time.Duration {
	if p == Mobile {
		return 100 * time.Millisecond
	}
	return 16 * time.Millisecond
}

// Tolerance widens the base tolerance on mobile.
func Tolerance(baseMillis float64, p Platform) float64 {
	if p == Mobile {
		return baseMillis * 2
	}
	return baseMillis
}

// DefaultSeekLag is the fixed per-platform compensation in seconds.
func DefaultSeekLag(p Platform) float64 {
	if p == Mobile {
		return 0.25
	}
	return 0
}

// Classification describes one tick's observation.
type Classification string

const (
	InSync           Classification = "in-sync"
	Minor            Classification = "minor"
	Major            Classification = "major"
	Stuck            Classification = "stuck"
	NearLoopBoundary Classification = "near-loop-boundary"
)

// Classify maps an absolute drift to in-sync, minor (noticeable but within
// tolerance) or major (beyond tolerance, needs correction).
func Classify(driftMillis, toleranceMillis float64) Classification {
	d := math.Abs(driftMillis)
	switch {
	case d > toleranceMillis:
		return Major
	case d > toleranceMillis/2:
		return Minor
	default:
		return InSync
	}
}

// Drift is pos - target in seconds, folded into [-loop/2, loop/2) so that a
// position just past the wrap compares with a target just before it.
func Drift(pos, target, loop float64) float64 {
	if loop <= 0 {
		return pos - target
	}
	return clock.Normalize(pos-target+loop/2, loop) - loop/2
}

// Phase is the corrector's state.
type Phase int

const (
	Idle Phase = iota
	Tracking
	LoopTransition
	StuckPhase
)

func (p Phase) String() string {
	switch p {
	case Tracking:
		return "tracking"
	case LoopTransition:
		return "loop-transition"
	case StuckPhase:
		return "stuck"
	default:
		return "idle"
	}
}

// Params are the fixed thresholds of the corrector.
type Params struct {
	ToleranceMillis float64
	// LoopDuration (seconds) lets drift be measured across the wrap. Zero
	// disables folding.
	LoopDuration float64
	// MinCorrectionGap rate-limits seeks in wall-clock time regardless of
	// tick cadence.
	MinCorrectionGap time.Duration
	// LoopGuard is the time-to-end window (seconds) that triggers a loop
	// boundary seek.
	LoopGuard          float64
	LoopTransitionTime time.Duration
	// StuckPosition bounds the positions considered for stuck detection;
	// stalls happen at the start of a freshly loaded track.
	StuckPosition    float64
	StuckTicks       int
	ResumeCheckDelay time.Duration
}

// DefaultParams returns the standard thresholds for a base tolerance and
// platform.
func DefaultParams(baseToleranceMillis float64, p Platform) Params {
	return Params{
		ToleranceMillis:    Tolerance(baseToleranceMillis, p),
		MinCorrectionGap:   500 * time.Millisecond,
		LoopGuard:          0.1,
		LoopTransitionTime: 200 * time.Millisecond,
		StuckPosition:      1.0,
		StuckTicks:         10,
		ResumeCheckDelay:   100 * time.Millisecond,
	}
}

// Input is everything Step needs for one tick.
type Input struct {
	Now       time.Time
	Target    float64 // canonical position, seconds
	Available bool    // false when the source could not be read
	Snapshot  policy.Snapshot
}

// Observation is the derived per-tick drift measurement.
type Observation struct {
	Target         float64        `json:"target"`
	DriftMillis    float64        `json:"drift_ms"`
	Classification Classification `json:"classification"`
}

// Decision is what the caller must do after a tick. At most one seek.
type Decision struct {
	Observation Observation
	Action      policy.Action
	Reload      bool
	Resume      bool
}

// State is carried from tick to tick.
type State struct {
	Phase           Phase
	TransitionUntil time.Time

	LastPosition float64
	HavePosition bool
	StuckTicks   int

	LastCorrectionAt time.Time
	// Force requests a correction regardless of drift; Bypass additionally
	// skips the rate limit (explicit user seeks).
	Force  bool
	Bypass bool

	WasPaused     bool
	ResumeCheckAt time.Time

	Budget   policy.Budget
	Recovery recovery.Machine
}

// Begin returns the state for a freshly started session: tracking, with a
// correction forced on the first tick. Playback is assumed to start at zero.
func Begin() State {
	return State{
		Phase:        Tracking,
		HavePosition: true,
		Force:        true,
	}
}

// ExplicitSeek forces an immediate correction that ignores the rate limit.
func (s State) ExplicitSeek() State {
	s.Force = true
	s.Bypass = true
	return s
}

// ReloadDone records the outcome of a reload requested by a Decision.
func (s State) ReloadDone(now time.Time, err error) State {
	s.Recovery = s.Recovery.ReloadResult(now, err)
	if !s.Recovery.Active() && s.Phase == StuckPhase {
		s.Phase = Tracking
	}
	return s
}

const positionEpsilon = 1e-3

func (s *State) observe(pos float64) {
	s.LastPosition = pos
	s.HavePosition = true
}

func (s *State) clearStuck() {
	s.StuckTicks = 0
	s.Recovery = s.Recovery.Reset()
	if s.Phase == StuckPhase {
		s.Phase = Tracking
	}
}

// Step runs one tick.
func Step(p Params, s State, in Input) (State, Decision) {
	var d Decision
	if !in.Available {
		s.Phase = Idle
		return s, d
	}
	if s.Phase == Idle {
		s.Phase = Tracking
	}

	now, snap := in.Now, in.Snapshot
	pos := snap.Position
	d.Observation = Observation{
		Target:      in.Target,
		DriftMillis: Drift(pos, in.Target, p.LoopDuration) * 1000,
	}
	d.Observation.Classification = Classify(d.Observation.DriftMillis, p.ToleranceMillis)

	resumeDue := !s.ResumeCheckAt.IsZero() && !now.Before(s.ResumeCheckAt)
	if resumeDue {
		s.ResumeCheckAt = time.Time{}
	}

	if snap.Paused {
		// A progressive seek may have paused playback behind our back.
		d.Resume = resumeDue
		s.clearStuck()
		s.WasPaused = true
		s.observe(pos)
		return s, d
	}
	if s.WasPaused {
		s.WasPaused = false
		s.clearStuck()
		s.Force = true
	}

	if s.Phase == LoopTransition {
		if now.Before(s.TransitionUntil) {
			d.Observation.Classification = NearLoopBoundary
			s.observe(pos)
			return s, d
		}
		s.Phase = Tracking
	}

	if snap.HasDuration {
		if left := snap.Duration - pos; left > 0 && left <= p.LoopGuard {
			d.Observation.Classification = NearLoopBoundary
			d.Action = policy.Action{Seek: true, Target: in.Target, Tactic: policy.TacticLoop}
			s.Phase = LoopTransition
			s.TransitionUntil = now.Add(p.LoopTransitionTime)
			s.LastCorrectionAt = now
			s.Force, s.Bypass = false, false
			s.StuckTicks = 0
			s.observe(pos)
			return s, d
		}
	}

	if s.Recovery.Active() {
		s.Phase = StuckPhase
		d.Observation.Classification = Stuck
		m, target, ok := s.Recovery.Advance(now, snap.Ranges, pos, in.Target)
		s.Recovery = m
		if ok {
			d.Action = policy.Action{Seek: true, Target: target, Tactic: policy.TacticRecovery}
			s.LastCorrectionAt = now
			s.ResumeCheckAt = now.Add(p.ResumeCheckDelay)
		}
		if !s.Recovery.Active() {
			s.Phase = Tracking
		}
		s.observe(pos)
		return s, d
	}

	if snap.Kind == policy.ProgressiveFile &&
		s.HavePosition &&
		math.Abs(pos-s.LastPosition) < positionEpsilon &&
		pos < p.StuckPosition {
		s.StuckTicks++
	} else {
		s.StuckTicks = 0
	}
	s.observe(pos)
	if s.StuckTicks > p.StuckTicks {
		s.StuckTicks = 0
		s.Phase = StuckPhase
		s.Recovery = s.Recovery.Begin(now)
		d.Observation.Classification = Stuck
		d.Reload = true
		return s, d
	}

	if d.Observation.Classification == InSync {
		s.Budget.Reset()
	}
	if !s.Force && d.Observation.Classification != Major {
		return s, d
	}
	if !s.Bypass && !s.LastCorrectionAt.IsZero() && now.Sub(s.LastCorrectionAt) < p.MinCorrectionGap {
		// Pending force survives until a correction is allowed.
		return s, d
	}

	strategy := policy.For(snap.Kind)
	act := strategy.Decide(snap, in.Target, &s.Budget)
	s.Force, s.Bypass = false, false
	if !act.Seek {
		return s, d
	}
	d.Action = act
	s.LastCorrectionAt = now
	if strategy.NeedsResumeCheck() {
		s.ResumeCheckAt = now.Add(p.ResumeCheckDelay)
	}
	return s, d
}
