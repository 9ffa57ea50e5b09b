package engine

import (
	"sort"
	"sync"
	"time"
)

// TickerScheduler runs each task on its own goroutine driven by a
// time.Ticker. A slow task makes the ticker drop ticks rather than queue
// them, so invocations never overlap.
type TickerScheduler struct{}

func (TickerScheduler) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-exited
		})
	}
}

// ManualScheduler runs registered tasks only when Tick is called. It lets
// tests drive the engine tick by tick.
type ManualScheduler struct {
	mu        sync.Mutex
	next      int
	tasks     map[int]func()
	intervals map[int]time.Duration
}

// NewManualScheduler returns an empty ManualScheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{
		tasks:     make(map[int]func()),
		intervals: make(map[int]time.Duration),
	}
}

func (m *ManualScheduler) Every(interval time.Duration, fn func()) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.tasks[id] = fn
	m.intervals[id] = interval
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.tasks, id)
		delete(m.intervals, id)
		m.mu.Unlock()
	}
}

// Tick runs every registered task once, in registration order.
func (m *ManualScheduler) Tick() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.tasks[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Active returns the number of registered tasks.
func (m *ManualScheduler) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Intervals returns the intervals of the registered tasks.
func (m *ManualScheduler) Intervals() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.intervals))
	for _, d := range m.intervals {
		out = append(out, d)
	}
	return out
}
