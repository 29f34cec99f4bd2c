// Package clock abstracts time so periodic loops and expiry rules can be
// driven by virtual time in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides the current time and periodic tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns the wall clock.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) NewTicker(d time.Duration) Ticker {
	return &wallTicker{t: time.NewTicker(d)}
}

type wallTicker struct {
	t *time.Ticker
}

func (w *wallTicker) C() <-chan time.Time { return w.t.C }
func (w *wallTicker) Stop()               { w.t.Stop() }

// Manual is a Clock that only moves when told to. Ticks are delivered
// synchronously: Advance returns after every due tick has been received by the
// ticker's reader, or the ticker has been stopped.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManual creates a manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t without firing tickers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// NewTicker creates a ticker that fires every d of virtual time.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		c:      make(chan time.Time),
		stop:   make(chan struct{}),
		period: d,
		next:   m.now.Add(d),
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing every ticker whose deadline
// falls inside the window in chronological order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		live := m.tickers[:0]
		for _, t := range m.tickers {
			if !t.stopped() {
				live = append(live, t)
			}
		}
		m.tickers = live
		sort.SliceStable(live, func(i, j int) bool { return live[i].next.Before(live[j].next) })

		var due *manualTicker
		if len(live) > 0 && !live[0].next.After(target) {
			due = live[0]
		}
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		at := due.next
		m.now = at
		due.next = at.Add(due.period)
		m.mu.Unlock()

		select {
		case due.c <- at:
		case <-due.stop:
		}
	}
}

type manualTicker struct {
	c        chan time.Time
	stop     chan struct{}
	stopOnce sync.Once
	period   time.Duration
	next     time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *manualTicker) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}
