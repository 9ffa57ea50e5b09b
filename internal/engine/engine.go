// Package engine runs the synchronization loop against a playback source:
// on every tick it reads the source, asks the drift corrector what to do and
// carries the decision out.
//
// The engine is the only place that touches the source. Every source call is
// guarded; a failing or panicking source turns the tick into a no-op and the
// loop keeps running.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loopsync/internal/buffered"
	"loopsync/internal/clock"
	"loopsync/internal/drift"
	"loopsync/internal/latency"
	"loopsync/internal/policy"

	"golang.org/x/time/rate"
)

// ErrNoSource is returned by New when src is nil.
var ErrNoSource = errors.New("engine requires a playback source")

// Config is fixed for the lifetime of an Engine.
type Config struct {
	Clock    clock.Config
	Params   drift.Params
	Platform drift.Platform
	// SeekLag is the per-platform compensation in seconds (may be negative).
	SeekLag      float64
	TickInterval time.Duration
}

// DefaultConfig fills platform dependent values for a loop and tolerance.
func DefaultConfig(c clock.Config, toleranceMillis float64, p drift.Platform) Config {
	params := drift.DefaultParams(toleranceMillis, p)
	params.LoopDuration = c.LoopDuration
	return Config{
		Clock:        c,
		Params:       params,
		Platform:     p,
		SeekLag:      drift.DefaultSeekLag(p),
		TickInterval: drift.TickInterval(p),
	}
}

// Options carries the engine's collaborators. Zero fields get defaults.
type Options struct {
	Wall      clock.Wall
	Scheduler Scheduler
	Latency   *latency.State
	Estimator *latency.Estimator
	Sink      EventSink
}

// Diagnostics is a read-only view of the most recent tick.
type Diagnostics struct {
	Running            bool                 `json:"running"`
	Phase              string               `json:"phase"`
	SourceKind         string               `json:"source_kind"`
	Position           float64              `json:"position"`
	Target             float64              `json:"target"`
	ActualUTC          float64              `json:"actual_utc"`
	LastDriftMillis    float64              `json:"last_drift_ms"`
	LastClassification drift.Classification `json:"last_classification"`
	LastTactic         policy.Tactic        `json:"last_tactic,omitempty"`
	BufferedRanges     []buffered.Range     `json:"buffered_ranges"`
	ToleranceMillis    float64              `json:"tolerance_ms"`
	CompensationSec    float64              `json:"compensation_s"`
	MeasuredLatencySec float64              `json:"measured_latency_s"`
	UserLatencyMillis  float64              `json:"user_latency_ms"`
	Seeks              int                  `json:"seeks"`
	Recoveries         int                  `json:"recoveries"`
	SourceErrors       int                  `json:"source_errors"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// Engine synchronizes one playback source to the shared timeline.
type Engine struct {
	cfg       Config
	src       Source
	wall      clock.Wall
	sched     Scheduler
	latency   *latency.State
	estimator *latency.Estimator
	sink      EventSink

	mu            sync.Mutex
	running       bool
	session       int
	cancelTick    func()
	measureCtx    context.Context
	cancelMeasure context.CancelFunc
	measuring     bool
	state         drift.State
	diag          Diagnostics

	subsMu sync.Mutex
	subs   map[chan Diagnostics]struct{}

	publishEvery rate.Sometimes
	logEvery     rate.Sometimes
}

// New returns a stopped engine.
func New(cfg Config, src Source, opts Options) (*Engine, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	if err := cfg.Clock.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if cfg.Params.LoopDuration <= 0 {
		cfg.Params.LoopDuration = cfg.Clock.LoopDuration
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = drift.TickInterval(cfg.Platform)
	}
	if opts.Wall == nil {
		opts.Wall = clock.System()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = TickerScheduler{}
	}
	if opts.Latency == nil {
		opts.Latency = latency.NewState(0)
	}
	if opts.Estimator == nil {
		opts.Estimator = latency.NewEstimator(nil, opts.Latency)
	}
	return &Engine{
		cfg:          cfg,
		src:          src,
		wall:         opts.Wall,
		sched:        opts.Scheduler,
		latency:      opts.Latency,
		estimator:    opts.Estimator,
		sink:         opts.Sink,
		subs:         make(map[chan Diagnostics]struct{}),
		publishEvery: rate.Sometimes{Interval: 250 * time.Millisecond},
		logEvery:     rate.Sometimes{Interval: 2 * time.Second},
	}, nil
}

// Start begins a synchronization session. The first tick forces a
// correction. Calling Start on a running engine does nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.session++
	e.state = drift.Begin()
	e.diag.Running = true
	e.measuring = false
	e.measureCtx, e.cancelMeasure = context.WithCancel(context.Background())
	session := e.session
	e.mu.Unlock()

	cancelTick := e.sched.Every(e.cfg.TickInterval, e.OnTick)

	e.mu.Lock()
	if !e.running || e.session != session {
		// Stopped while the timer was being set up.
		e.mu.Unlock()
		cancelTick()
		return
	}
	e.cancelTick = cancelTick
	e.mu.Unlock()
	slog.Info("sync started", "interval", e.cfg.TickInterval, "tolerance_ms", e.cfg.Params.ToleranceMillis, "kind", e.src.Kind())
}

// Stop ends the session: the tick timer is cancelled and every pending
// deadline (loop transition, resume check, recovery) is dropped with the
// corrector state.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.state = drift.State{}
	e.diag.Running = false
	e.diag.Phase = drift.Idle.String()
	cancelTick, cancelMeasure := e.cancelTick, e.cancelMeasure
	e.cancelTick, e.cancelMeasure = nil, nil
	e.mu.Unlock()

	// Outside the lock: the ticker goroutine may be waiting for it.
	if cancelTick != nil {
		cancelTick()
	}
	if cancelMeasure != nil {
		cancelMeasure()
	}
	slog.Info("sync stopped")
}

// Running reports whether a session is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// NotifyExplicitSeek tells the engine the user moved the playhead. The next
// correction happens immediately and ignores the rate limit.
func (e *Engine) NotifyExplicitSeek() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.state = e.state.ExplicitSeek()
	e.mu.Unlock()
	e.OnTick()
}

// SetUserLatencyMillis updates the user-supplied latency; it takes effect on
// the next tick.
func (e *Engine) SetUserLatencyMillis(ms float64) {
	e.latency.SetUserMillis(ms)
}

// Diagnostics returns a copy of the latest diagnostics.
func (e *Engine) Diagnostics() Diagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.diag
	d.BufferedRanges = buffered.Clone(e.diag.BufferedRanges)
	return d
}

// Subscribe returns a channel that receives diagnostics at most four times a
// second while ticks run. Slow readers miss updates. Call cancel to
// unsubscribe.
func (e *Engine) Subscribe() (<-chan Diagnostics, func()) {
	ch := make(chan Diagnostics, 1)
	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, ch)
			e.subsMu.Unlock()
		})
	}
}

// OnTick runs one correction cycle. It is normally invoked by the scheduler.
func (e *Engine) OnTick() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}

	now := e.wall.Now()
	nowSec := clock.Seconds(now)
	compensation := e.latency.Total(e.cfg.SeekLag)

	snap, err := e.snapshot()
	in := drift.Input{
		Now:       now,
		Target:    clock.TargetPosition(e.cfg.Clock, nowSec, compensation),
		Available: err == nil,
		Snapshot:  snap,
	}
	if err != nil {
		e.diag.SourceErrors++
		e.logEvery.Do(func() { slog.Debug("source unavailable", "err", err) })
	}

	if err == nil && !snap.Paused && !e.measuring {
		e.measuring = true
		go e.estimator.Measure(e.measureCtx)
	}

	var d drift.Decision
	e.state, d = drift.Step(e.cfg.Params, e.state, in)
	e.apply(now, snap, d)

	e.diag.Phase = e.state.Phase.String()
	e.diag.Target = in.Target
	e.diag.ActualUTC = clock.ActualUTCPosition(e.cfg.Clock, nowSec)
	e.diag.ToleranceMillis = e.cfg.Params.ToleranceMillis
	e.diag.CompensationSec = compensation
	e.diag.MeasuredLatencySec = e.latency.Measured()
	e.diag.UserLatencyMillis = e.latency.UserMillis()
	e.diag.UpdatedAt = now
	if in.Available {
		e.diag.SourceKind = snap.Kind.String()
		e.diag.Position = snap.Position
		e.diag.LastDriftMillis = d.Observation.DriftMillis
		e.diag.LastClassification = d.Observation.Classification
		e.diag.BufferedRanges = buffered.Clone(snap.Ranges)
	}
	diag := e.diag
	diag.BufferedRanges = buffered.Clone(e.diag.BufferedRanges)
	e.mu.Unlock()

	e.publishEvery.Do(func() { e.publish(diag) })
}

// snapshot reads the source. The ranges are fetched fresh every tick.
func (e *Engine) snapshot() (snap policy.Snapshot, err error) {
	err = guard(func() error {
		var serr error
		snap, serr = e.src.Snapshot()
		return serr
	})
	if err != nil {
		return policy.Snapshot{}, err
	}
	snap.Kind = e.src.Kind()
	snap.Ranges = buffered.Normalize(snap.Ranges)
	return snap, nil
}

func (e *Engine) apply(now time.Time, snap policy.Snapshot, d drift.Decision) {
	obs := d.Observation

	if d.Action.Seek {
		from := snap.Position
		err := guard(func() error { return e.src.Seek(d.Action.Target) })
		ev := Event{
			At:          now,
			Kind:        EventSeek,
			From:        from,
			To:          d.Action.Target,
			DriftMillis: obs.DriftMillis,
			Tactic:      string(d.Action.Tactic),
		}
		if d.Action.Tactic == policy.TacticLoop {
			ev.Kind = EventLoop
		}
		if err != nil {
			ev.Err = err.Error()
			slog.Debug("seek rejected", "target", d.Action.Target, "err", err)
		} else {
			e.diag.Seeks++
			e.diag.LastTactic = d.Action.Tactic
		}
		e.record(ev)
		e.logEvery.Do(func() {
			slog.Debug("correction", "tactic", d.Action.Tactic, "from", from, "to", d.Action.Target, "drift_ms", obs.DriftMillis)
		})
	}

	if d.Reload {
		e.diag.Recoveries++
		slog.Info("playback stuck, reloading", "position", snap.Position)
		err := guard(e.src.Reload)
		e.state = e.state.ReloadDone(e.wall.Now(), err)
		ev := Event{At: now, Kind: EventRecovery, From: snap.Position, DriftMillis: obs.DriftMillis}
		if err != nil {
			ev.Err = err.Error()
			slog.Warn("reload failed, recovery abandoned", "err", err)
		}
		e.record(ev)
	}

	if d.Resume {
		err := guard(e.src.Resume)
		ev := Event{At: now, Kind: EventResume, From: snap.Position}
		if err != nil {
			ev.Err = err.Error()
			slog.Debug("resume after seek failed", "err", err)
		}
		e.record(ev)
	}
}

func (e *Engine) record(ev Event) {
	if e.sink != nil {
		e.sink.Record(ev)
	}
}

func (e *Engine) publish(d Diagnostics) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- d:
		default:
		}
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panic: %v", r)
		}
	}()
	return fn()
}
