package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is a virtual clock. Time only moves when Advance is called; timers
// whose deadline is reached fire in deadline order (ties in creation order).
// AfterFunc callbacks run synchronously inside Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	f    *Fake
	at   time.Time
	seq  int
	fn   func()
	ch   chan time.Time
	done bool
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a channel timer.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.add(d, nil, ch)
	return ch
}

// AfterFunc registers a callback timer.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.add(d, fn, nil)
}

func (f *Fake) add(d time.Duration, fn func(), ch chan time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{f: f, at: f.now.Add(d), seq: f.seq, fn: fn, ch: ch}
	f.timers = append(f.timers, t)
	return t
}

// Stop cancels a pending timer.
func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.f.remove(t)
	return true
}

// remove drops t from the pending list. Caller holds f.mu.
func (f *Fake) remove(t *fakeTimer) {
	for i, p := range f.timers {
		if p == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, firing every timer that becomes due.
// Timers registered by callbacks during Advance fire too if they fall due
// before the target time.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDue(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		next.done = true
		f.remove(next)
		if next.at.After(f.now) {
			f.now = next.at
		}
		now := f.now
		f.mu.Unlock()

		if next.ch != nil {
			next.ch <- now
		}
		if next.fn != nil {
			next.fn()
		}
	}
}

// nextDue returns the earliest pending timer due at or before target.
// Caller holds f.mu.
func (f *Fake) nextDue(target time.Time) *fakeTimer {
	if len(f.timers) == 0 {
		return nil
	}
	sorted := make([]*fakeTimer, len(f.timers))
	copy(sorted, f.timers)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].at.Equal(sorted[j].at) {
			return sorted[i].seq < sorted[j].seq
		}
		return sorted[i].at.Before(sorted[j].at)
	})
	if sorted[0].at.After(target) {
		return nil
	}
	return sorted[0]
}

// Pending returns the number of timers that have not fired or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// BlockUntil waits until at least n timers are pending or ctx is done.
// Tests use it to sync with goroutines that are about to sleep on the clock.
func (f *Fake) BlockUntil(ctx context.Context, n int) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		if f.Pending() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
