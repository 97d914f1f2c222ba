package cloud

import (
	"sync/atomic"
	"time"
)

// Clock is the device wall clock in ms since the epoch.
type Clock interface {
	Now() int64
	Set(ms int64)
}

// SystemClock is the host clock corrected by the time the backend sends.
type SystemClock struct {
	offset atomic.Int64
}

// Now returns the corrected time.
func (c *SystemClock) Now() int64 {
	return time.Now().UnixMilli() + c.offset.Load()
}

// Set corrects the clock so Now returns ms.
func (c *SystemClock) Set(ms int64) {
	c.offset.Store(ms - time.Now().UnixMilli())
}
