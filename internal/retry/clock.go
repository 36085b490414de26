package retry

import (
	"sync"
	"time"
)

// Clock abstracts waiting so tests can run retry loops without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// RecordingClock fires every wait immediately and records the requested durations.
type RecordingClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

// NewRecordingClock returns a RecordingClock starting at start.
func NewRecordingClock(start time.Time) *RecordingClock {
	return &RecordingClock{now: start}
}

// Now returns the virtual time, advanced by every recorded wait.
func (c *RecordingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances virtual time by d and returns an already-fired channel.
func (c *RecordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	fired := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- fired
	return ch
}

// Delays returns the waits requested so far.
func (c *RecordingClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}
