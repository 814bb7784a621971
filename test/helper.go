package test_test

import (
	"sync"
	"time"
)

// UTCTime creates instance of time in UTC timezone this helps avoid problems running tests with different timezone computers
func UTCTime(sec int64) time.Time {
	return time.Unix(sec, 0).In(time.UTC)
}

// Clock is manually advanced clock for tests
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
