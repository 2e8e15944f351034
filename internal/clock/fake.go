package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests. Sleep never blocks: it moves
// the clock forward by the requested duration, fires any tickers that became
// due, and records the duration so tests can assert on backoff behaviour.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	tickers []*fakeTicker
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	f.mu.Lock()
	f.slept = append(f.slept, d)
	f.mu.Unlock()
	f.Advance(d)
	return nil
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		clk:      f,
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     f.now.Add(d),
	}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the clock forward by d and fires every ticker whose deadline
// passed, in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var fires []fire
	for _, t := range f.tickers {
		for !t.stopped && !t.next.After(now) {
			fires = append(fires, fire{ch: t.ch, at: t.next})
			t.next = t.next.Add(t.interval)
		}
	}
	f.mu.Unlock()
	for _, fr := range fires {
		select {
		case fr.ch <- fr.at:
		default:
		}
	}
}

// Slept returns every duration passed to Sleep so far.
func (f *Fake) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}

type fire struct {
	ch chan time.Time
	at time.Time
}

type fakeTicker struct {
	clk      *Fake
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	t.stopped = true
}
