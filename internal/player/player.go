// Package player plays a single looping media file through the speaker and
// exposes it as a playback source for the sync engine.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"loopsync/internal/buffered"
	"loopsync/internal/policy"
)

// ErrClosed is returned by operations on a closed player.
var ErrClosed = errors.New("player closed")

const (
	speakerRate   = beep.SampleRate(44100)
	speakerBuffer = 100 * time.Millisecond
	resampleQ     = 4
)

// Output is the audio sink. The speaker package satisfies it through
// Speaker; tests use a silent implementation.
type Output interface {
	Init(rate beep.SampleRate, bufferSize int) error
	Play(s beep.Streamer)
	Clear()
	Lock()
	Unlock()
}

// Speaker is the default Output.
type Speaker struct{}

var speakerOnce struct {
	sync.Once
	err error
}

// Init initializes the process-wide speaker once.
func (Speaker) Init(rate beep.SampleRate, bufferSize int) error {
	speakerOnce.Do(func() { speakerOnce.err = speaker.Init(rate, bufferSize) })
	return speakerOnce.err
}

func (Speaker) Play(s beep.Streamer) { speaker.Play(s) }
func (Speaker) Clear()               { speaker.Clear() }
func (Speaker) Lock()                { speaker.Lock() }
func (Speaker) Unlock()              { speaker.Unlock() }

// Options configure Open.
type Options struct {
	Location   string // local path or http(s) URL
	CacheDir   string // download directory for remote media
	HTTPClient *http.Client
	Output     Output
	// StartPaused opens the player without starting audio.
	StartPaused bool
}

// Player is a progressive-file playback source.
type Player struct {
	out  Output
	path string

	mu       sync.Mutex // guards the fields below; audio access also holds out.Lock
	closed   bool
	streamer beep.StreamSeekCloser
	format   beep.Format
	ctrl     *beep.Ctrl
	reloads  int
}

// Open resolves the media (downloading it when remote), decodes it and
// starts looping playback.
func Open(ctx context.Context, opts Options) (*Player, error) {
	if opts.Location == "" {
		return nil, errors.New("no media location")
	}
	if policy.KindFromLocation(opts.Location) != policy.ProgressiveFile {
		return nil, fmt.Errorf("%w: adaptive streams are not playable locally", ErrUnsupportedFormat)
	}
	if opts.Output == nil {
		opts.Output = Speaker{}
	}

	path := opts.Location
	if IsRemote(path) {
		var err error
		path, err = Fetch(ctx, opts.HTTPClient, opts.CacheDir, opts.Location)
		if err != nil {
			return nil, err
		}
	}

	s, format, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	if err := opts.Output.Init(speakerRate, speakerRate.N(speakerBuffer)); err != nil {
		s.Close()
		return nil, fmt.Errorf("init speaker: %w", err)
	}

	p := &Player{out: opts.Output, path: path, streamer: s, format: format}
	p.ctrl = &beep.Ctrl{Streamer: p.chain(s, format), Paused: opts.StartPaused}
	p.out.Play(p.ctrl)
	slog.Info("media opened", "path", path, "duration", format.SampleRate.D(s.Len()), "rate", format.SampleRate)
	return p, nil
}

// chain loops s and resamples it to the speaker rate.
func (p *Player) chain(s beep.StreamSeeker, format beep.Format) beep.Streamer {
	var out beep.Streamer = &looper{s: s}
	if format.SampleRate != speakerRate {
		out = beep.Resample(resampleQ, format.SampleRate, speakerRate, out)
	}
	return out
}

func (p *Player) Kind() policy.Kind { return policy.ProgressiveFile }

// Snapshot reads the current playback state. A fully decoded file is
// buffered from start to end.
func (p *Player) Snapshot() (policy.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return policy.Snapshot{}, ErrClosed
	}

	p.out.Lock()
	pos, n, paused := p.streamer.Position(), p.streamer.Len(), p.ctrl.Paused
	p.out.Unlock()

	rate := p.format.SampleRate
	dur := rate.D(n).Seconds()
	snap := policy.Snapshot{
		Position:    rate.D(pos).Seconds(),
		Paused:      paused,
		Duration:    dur,
		HasDuration: n > 0,
		Kind:        policy.ProgressiveFile,
	}
	if n > 0 {
		snap.Ranges = []buffered.Range{{Start: 0, End: dur}}
	}
	return snap, nil
}

// Seek moves the playhead. Positions past the end are clamped to the last
// sample.
func (p *Player) Seek(position float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	n := p.format.SampleRate.N(time.Duration(position * float64(time.Second)))
	if n < 0 {
		n = 0
	}
	if last := p.streamer.Len() - 1; n > last {
		n = max(last, 0)
	}

	p.out.Lock()
	err := p.streamer.Seek(n)
	p.out.Unlock()
	if err != nil {
		return fmt.Errorf("seek to %.3fs: %w", position, err)
	}
	return nil
}

// Reload reopens the file and swaps the decoder in place. Playback restarts
// from the beginning.
func (p *Player) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	s, format, err := decodeFile(p.path)
	if err != nil {
		return err
	}
	p.out.Lock()
	old := p.streamer
	p.streamer, p.format = s, format
	p.ctrl.Streamer = p.chain(s, format)
	p.out.Unlock()
	old.Close()
	p.reloads++
	slog.Debug("media reloaded", "path", p.path, "reloads", p.reloads)
	return nil
}

// Resume unpauses playback.
func (p *Player) Resume() error {
	return p.SetPaused(false)
}

// SetPaused pauses or resumes playback.
func (p *Player) SetPaused(paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.out.Lock()
	p.ctrl.Paused = paused
	p.out.Unlock()
	return nil
}

// Path is the local file being played.
func (p *Player) Path() string { return p.path }

// Close stops audio and releases the decoder.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.out.Clear()
	return p.streamer.Close()
}

// looper restarts s from the beginning when it runs out.
type looper struct {
	s beep.StreamSeeker
}

func (l *looper) Stream(samples [][2]float64) (int, bool) {
	filled := 0
	rewound := false
	for filled < len(samples) {
		n, ok := l.s.Stream(samples[filled:])
		filled += n
		if n > 0 {
			rewound = false
		}
		if ok && n > 0 {
			continue
		}
		// An empty read straight after rewinding means there is nothing to loop.
		if rewound || l.s.Seek(0) != nil {
			break
		}
		rewound = true
	}
	return filled, filled > 0
}

func (l *looper) Err() error { return l.s.Err() }
