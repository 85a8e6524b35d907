// Package clock provides the shared time source, recurring/one-shot timer
// helpers, and a small pub/sub bus used across the scheduler, spike
// manager, force-mode manager and curtailment controller. It generalizes
// the ticker-driven Run-loop pattern used throughout the teacher (modo.Client.Run,
// axlemgr.AxleMgr.Run, powerpack.PowerPack.Run) into one reusable component instead
// of repeating the same ticker/select boilerplate in every package.
package clock

import (
	"sync"
	"time"
)

// Now is overridable in tests; production code should call clock.Now() rather than time.Now() directly.
var Now = time.Now

// FloorToInterval floors t down to the most recent boundary of the given
// interval, in UTC. A SyncPeriod's identity is the UTC minute floored to 5
// (spec.md section 3): FloorToInterval(t, 5*time.Minute) gives that bucket's start.
func FloorToInterval(t time.Time, interval time.Duration) time.Time {
	u := t.UTC()
	return u.Truncate(interval)
}

// NextBoundary returns the next boundary of the given interval strictly after t.
func NextBoundary(t time.Time, interval time.Duration) time.Time {
	floor := FloorToInterval(t, interval)
	if floor.Equal(t.UTC()) {
		return floor.Add(interval)
	}
	return floor.Add(interval)
}

// Dispatcher is a small thread-safe pub/sub bus. Subscribers are invoked
// synchronously on the publishing goroutine and are expected to be cheap;
// real work must be scheduled off-thread, mirroring the Price Stream
// Client's subscribe contract in spec.md section 4.1.
type Dispatcher[T any] struct {
	mu   sync.Mutex
	subs []func(T)
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{}
}

// Subscribe registers fn to be called exactly once per Publish call.
func (d *Dispatcher[T]) Subscribe(fn func(T)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

// Publish invokes every subscriber with value, in registration order.
func (d *Dispatcher[T]) Publish(value T) {
	d.mu.Lock()
	subs := make([]func(T), len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	for _, fn := range subs {
		fn(value)
	}
}

// OneShot wraps a time.Timer to provide idempotent cancellation, per
// spec.md section 5's "cancellation is idempotent" requirement for the
// force-mode and spike-mode expiry timers.
type OneShot struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

// NewOneShot schedules fn to run after d elapses, on its own goroutine.
func NewOneShot(d time.Duration, fn func()) *OneShot {
	o := &OneShot{}
	o.timer = time.AfterFunc(d, fn)
	return o
}

// Cancel stops the timer. Safe to call multiple times and safe to call
// after the timer has already fired.
func (o *OneShot) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled {
		return
	}
	o.cancelled = true
	o.timer.Stop()
}

// Remaining returns the configured duration minus elapsed, clamped to zero,
// used to re-arm a timer after a restart per spec.md section 4.7's restart
// survivability rule.
func Remaining(expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(Now())
	if d < 0 {
		return 0
	}
	return d
}
