// Package policy selects the correction tactic for a drifting source based on
// how the source transports its media.
//
// Adaptive streams manage their own segment buffering, so any position is
// assumed seekable. Progressive files stall when playback jumps ahead of the
// downloaded data, so seeks are steered into known-buffered material.
package policy

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"loopsync/internal/buffered"
)

// Kind is the transport type of a playback source.
type Kind int

const (
	ProgressiveFile Kind = iota
	AdaptiveStreaming
)

func (k Kind) String() string {
	switch k {
	case AdaptiveStreaming:
		return "adaptive-streaming"
	case ProgressiveFile:
		return "progressive-file"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts the String forms plus the short aliases "adaptive",
// "hls", "progressive" and "file".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "adaptive-streaming", "adaptive", "hls", "dash":
		return AdaptiveStreaming, nil
	case "progressive-file", "progressive", "file", "":
		return ProgressiveFile, nil
	default:
		return ProgressiveFile, fmt.Errorf("unknown source kind %q", s)
	}
}

// KindFromLocation guesses the transport from a media path or URL: HLS and
// DASH manifests are adaptive, everything else is a progressive file.
func KindFromLocation(loc string) Kind {
	p := loc
	if u, err := url.Parse(loc); err == nil && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8", ".mpd":
		return AdaptiveStreaming
	default:
		return ProgressiveFile
	}
}

// Snapshot is the playback state read from a source at the start of a tick.
type Snapshot struct {
	Position    float64 // seconds
	Paused      bool
	Duration    float64 // seconds; valid only when HasDuration
	HasDuration bool
	Ranges      []buffered.Range // ascending, non-overlapping
	Kind        Kind
}

// Tactic names the way a seek target was chosen.
type Tactic string

const (
	TacticNone        Tactic = ""
	TacticDirect      Tactic = "direct"
	TacticRewind      Tactic = "rewind"
	TacticSafeAdvance Tactic = "safe-advance"
	TacticBufferEdge  Tactic = "buffer-edge"
	TacticBlind       Tactic = "blind-advance"
	TacticLoop        Tactic = "loop-boundary"
	TacticRecovery    Tactic = "recovery"
)

// Action is a corrective seek, or nothing.
type Action struct {
	Seek   bool
	Target float64
	Tactic Tactic
}

// None is the empty action.
var None = Action{}

// Strategy picks the seek that closes the gap between the snapshot's position
// and target.
type Strategy interface {
	Decide(snap Snapshot, target float64, budget *Budget) Action
	// NeedsResumeCheck reports whether playback should be verified shortly
	// after a seek; some platforms pause progressive media on seek.
	NeedsResumeCheck() bool
}

// For returns the strategy for kind.
func For(kind Kind) Strategy {
	if kind == AdaptiveStreaming {
		return Adaptive{}
	}
	return Progressive{}
}

// Adaptive always seeks straight to the target.
type Adaptive struct{}

func (Adaptive) Decide(_ Snapshot, target float64, _ *Budget) Action {
	return Action{Seek: true, Target: target, Tactic: TacticDirect}
}

func (Adaptive) NeedsResumeCheck() bool { return false }

const (
	// edgeMinAhead is how far the contiguous buffer must extend past the
	// current position before a buffer-edge jump is worth taking.
	edgeMinAhead = 0.5
	// edgeBackoff keeps a buffer-edge jump short of the end of the data.
	edgeBackoff = 0.2
	// blindStep is the forward jump used when no buffer information helps.
	blindStep = 2.0
	// MaxBlindAdvance bounds the cumulative blind jumps of one drift episode.
	MaxBlindAdvance = 10.0
)

// Budget tracks blind advances across ticks of one drift episode.
type Budget struct {
	BlindAdvanced float64
}

// Reset starts a new episode.
func (b *Budget) Reset() { b.BlindAdvanced = 0 }

// Progressive tries, in order, a safe advance inside buffered material, a
// jump to just before the end of the contiguous buffer, and a short blind
// advance toward the target.
type Progressive struct{}

func (Progressive) NeedsResumeCheck() bool { return true }

func (Progressive) Decide(snap Snapshot, target float64, budget *Budget) Action {
	cur := snap.Position

	// Behind the player: material already played is normally still held.
	if target < cur {
		budget.Reset()
		return Action{Seek: true, Target: target, Tactic: TacticRewind}
	}

	if safe := buffered.SafeSeekTarget(snap.Ranges, cur, target); safe > cur {
		budget.Reset()
		return Action{Seek: true, Target: safe, Tactic: TacticSafeAdvance}
	}

	if end := buffered.FurthestContiguousEnd(snap.Ranges, cur); end > cur+edgeMinAhead {
		budget.Reset()
		return Action{Seek: true, Target: end - edgeBackoff, Tactic: TacticBufferEdge}
	}

	step := target - cur
	if step > blindStep {
		step = blindStep
	}
	if room := MaxBlindAdvance - budget.BlindAdvanced; step > room {
		step = room
	}
	if step <= 0 {
		return None
	}
	budget.BlindAdvanced += step
	return Action{Seek: true, Target: cur + step, Tactic: TacticBlind}
}
