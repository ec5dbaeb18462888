package subscription

import (
	"sync"
	"time"
)

// timer is the part of *time.Timer the throttle needs.
type timer interface {
	Stop() bool
}

// afterFunc schedules f after d. It is time.AfterFunc outside tests.
type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// throttle is a trailing-edge rate limiter for one subscriber and topic. The
// first offer opens a window; offers inside the window replace the pending
// delivery, and when the window ends the most recent one is emitted. At most
// one delivery is emitted per window.
type throttle struct {
	window time.Duration
	after  afterFunc
	emit   func(delivery)

	mu      sync.Mutex
	pending delivery
	timer   timer
	stopped bool
}

func newThrottle(window time.Duration, after afterFunc, emit func(delivery)) *throttle {
	if after == nil {
		after = realAfterFunc
	}
	return &throttle{window: window, after: after, emit: emit}
}

func (t *throttle) offer(d delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.pending = d
	if t.timer == nil {
		t.timer = t.after(t.window, t.fire)
	}
}

func (t *throttle) fire() {
	t.mu.Lock()
	if t.stopped || t.timer == nil {
		t.mu.Unlock()
		return
	}
	d := t.pending
	t.pending = delivery{}
	t.timer = nil
	t.mu.Unlock()

	t.emit(d)
}

// stop cancels the window and drops the pending value.
func (t *throttle) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = delivery{}
}
