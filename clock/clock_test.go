package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFloorToInterval(t *testing.T) {
	ref := time.Date(2026, 7, 31, 10, 23, 47, 0, time.UTC)
	got := FloorToInterval(ref, 5*time.Minute)
	assert.Equal(t, time.Date(2026, 7, 31, 10, 20, 0, 0, time.UTC), got)
}

func TestNextBoundary(t *testing.T) {
	ref := time.Date(2026, 7, 31, 10, 20, 0, 0, time.UTC)
	got := NextBoundary(ref, 5*time.Minute)
	assert.Equal(t, time.Date(2026, 7, 31, 10, 25, 0, 0, time.UTC), got)
}

func TestDispatcher_PublishesToAllSubscribers(t *testing.T) {
	d := NewDispatcher[int]()
	var sum int64
	d.Subscribe(func(v int) { atomic.AddInt64(&sum, int64(v)) })
	d.Subscribe(func(v int) { atomic.AddInt64(&sum, int64(v*2)) })
	d.Publish(5)
	assert.Equal(t, int64(15), atomic.LoadInt64(&sum))
}

func TestOneShot_CancelIsIdempotent(t *testing.T) {
	var fired atomic.Bool
	o := NewOneShot(50*time.Millisecond, func() { fired.Store(true) })
	o.Cancel()
	o.Cancel() // must not panic
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestRemaining(t *testing.T) {
	future := Now().Add(10 * time.Second)
	assert.InDelta(t, 10*time.Second, Remaining(future), float64(time.Second))

	past := Now().Add(-10 * time.Second)
	assert.Equal(t, time.Duration(0), Remaining(past))
}
