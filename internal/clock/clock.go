// Package clock provides the monotonic timestamp source for change
// ordering. Wall-clock anchored, but successive calls always return
// strictly increasing values even when the wall clock stalls or steps
// backwards.
package clock

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing int64 stamps (nanoseconds since
// the Unix epoch, bumped past the previous stamp on ties). A single
// Clock serves the whole process; per-session strict ordering follows
// because one process owns each session.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// New returns a Clock ready for use.
func New() *Clock {
	return &Clock{}
}

// Next returns the next timestamp. Safe for concurrent use.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Time converts a stamp back to wall-clock time for display.
func Time(ts int64) time.Time {
	return time.Unix(0, ts).UTC()
}
