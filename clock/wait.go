package clock

import "time"

// Waiter is the condition-variable-with-steady-clock primitive named in the
// design notes: the campaign timeline needs to sleep until the next
// enable/expiry/checkin event without being fooled by a wall-clock jump, and
// without missing an earlier event pushed in by a concurrent Notify.
type Waiter interface {
	// WaitUntilMono blocks until Mono() >= target, or stop is closed, or
	// Notify is called (in which case it returns early with reached=false
	// so the caller recomputes the next deadline against fresh state).
	WaitUntilMono(target time.Duration, stop <-chan struct{}) (reached bool)
	// Notify wakes any current WaitUntilMono call early.
	Notify()
}

// SystemWaiter is the production Waiter, built on *System.
type SystemWaiter struct {
	clk    *System
	notify chan struct{}
}

func NewSystemWaiter(clk *System) *SystemWaiter {
	return &SystemWaiter{clk: clk, notify: make(chan struct{}, 1)}
}

func (w *SystemWaiter) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *SystemWaiter) WaitUntilMono(target time.Duration, stop <-chan struct{}) bool {
	for {
		remaining := target - w.clk.Mono()
		if remaining <= 0 {
			return true
		}
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			// Recompute rather than trust the timer fired exactly at
			// target: a spurious early return from an earlier branch of
			// this loop (notify racing the timer) must not be mistaken
			// for "reached".
			if w.clk.Mono() >= target {
				return true
			}
		case <-w.notify:
			timer.Stop()
			return false
		case <-stop:
			timer.Stop()
			return false
		}
	}
}

// FakeWaiter pairs with Fake for deterministic timeline tests: Advance()
// wakes a blocked WaitUntilMono, which then returns reached=false at once.
type FakeWaiter struct {
	clk    *Fake
	notify chan struct{}
}

func NewFakeWaiter(clk *Fake) *FakeWaiter {
	fw := &FakeWaiter{clk: clk, notify: make(chan struct{}, 1)}
	clk.onAdvance = fw.wake
	return fw
}

func (w *FakeWaiter) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *FakeWaiter) Notify() { w.wake() }

func (w *FakeWaiter) WaitUntilMono(target time.Duration, stop <-chan struct{}) bool {
	for {
		if w.clk.Mono() >= target {
			return true
		}
		select {
		case <-w.notify:
			// Matches SystemWaiter: a notify always returns early with
			// reached=false, even if this target happens to have been hit
			// too, so the caller re-peeks the timeline for a possibly
			// earlier event rather than trusting the target it called in with.
			return false
		case <-stop:
			return false
		}
	}
}
