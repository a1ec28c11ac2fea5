// Package clock provides the injectable time source the rest of Guardian
// depends on instead of calling time.Now() directly, so tests can drive
// virtual time through the bucket refill arithmetic deterministically and
// so the service can be pointed at an externally-synchronized time source
// when the host clock is not trusted.
package clock

import (
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// Source is the capability the rest of the engine consumes: now() -> Timestamp.
type Source interface {
	Now() time.Time
}

// System is the default Source, backed by time.Now.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time { return time.Now() }

// Static is a Source that always returns a fixed instant, handy for deterministic
// tests that want to control time explicitly rather than advancing it.
type Static struct {
	At time.Time
}

// Now returns the fixed instant this Static was built with.
func (s Static) Now() time.Time { return s.At }

// NTP is a Source that periodically queries an NTP server and applies the
// measured offset to the local clock, so that decisions made on a Local
// backend stay close to a shared time base even if the host clock drifts.
// It never blocks callers of Now: the offset is refreshed in the background
// and read atomically.
type NTP struct {
	server        string
	refresh       time.Duration
	mu            sync.RWMutex
	offset        time.Duration
	stop          chan struct{}
	queryOnce     sync.Once
	queryFailedFn func(error)
}

// NewNTP constructs an NTP clock source that polls server every refresh
// interval. It performs one synchronous query before returning so the first
// Now() call is already offset-corrected; if that initial query fails, the
// offset starts at zero and Now() degrades to the host clock until the
// background loop succeeds.
func NewNTP(server string, refresh time.Duration) *NTP {
	c := &NTP{
		server:  server,
		refresh: refresh,
		stop:    make(chan struct{}),
	}
	c.syncOnce()
	go c.loop()
	return c
}

// OnQueryError registers a callback invoked whenever a background NTP query
// fails; intended for wiring into the caller's logging.
func (c *NTP) OnQueryError(fn func(error)) {
	c.queryFailedFn = fn
}

// Now returns the host clock adjusted by the most recently measured NTP offset.
func (c *NTP) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return time.Now().Add(offset)
}

// Close stops the background refresh loop.
func (c *NTP) Close() {
	close(c.stop)
}

func (c *NTP) loop() {
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.syncOnce()
		}
	}
}

func (c *NTP) syncOnce() {
	resp, err := ntp.Query(c.server)
	if err != nil {
		if c.queryFailedFn != nil {
			c.queryFailedFn(err)
		}
		return
	}
	c.mu.Lock()
	c.offset = resp.ClockOffset
	c.mu.Unlock()
}
