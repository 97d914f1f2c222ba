// Package metrics keeps the device's cloud traffic counters.
//
// Every counter is paired with a last-seen timestamp in milliseconds since
// the epoch, -1 meaning never. The Collector is a leaf package apart from
// the transfer event types it observes.
package metrics

import (
	"sync"
	"time"

	"github.com/pithecene-io/skylink/transfer"
)

// Never is the timestamp of an event that has not happened.
const Never int64 = -1

// Snapshot is an immutable point-in-time view of all counters.
type Snapshot struct {
	// Timestamp is when the snapshot was taken.
	Timestamp int64 `json:"timestamp"`

	UplinkCount     int64 `json:"uplink_count"`
	UplinkFragments int64 `json:"uplink_fragments"`
	UplinkBytes     int64 `json:"uplink_bytes"`
	UplinkLastTS    int64 `json:"uplink_last_ts"`

	UplinkErrors      int64 `json:"uplink_errors"`
	UplinkErrorLastTS int64 `json:"uplink_error_last_ts"`

	DownlinkCount     int64 `json:"downlink_count"`
	DownlinkFragments int64 `json:"downlink_fragments"`
	DownlinkBytes     int64 `json:"downlink_bytes"`
	DownlinkLastTS    int64 `json:"downlink_last_ts"`

	DownlinkErrors      int64 `json:"downlink_errors"`
	DownlinkErrorLastTS int64 `json:"downlink_error_last_ts"`

	PollCount  int64 `json:"poll_count"`
	PollLastTS int64 `json:"poll_last_ts"`

	UplinkDataCount  int64 `json:"uplink_data_count"`
	UplinkDataLastTS int64 `json:"uplink_data_last_ts"`

	DownlinkDataCount  int64 `json:"downlink_data_count"`
	DownlinkDataLastTS int64 `json:"downlink_data_last_ts"`

	RecvShellCount  int64 `json:"recv_shell_count"`
	RecvShellLastTS int64 `json:"recv_shell_last_ts"`
}

// LastSeen returns the most recent uplink, downlink or poll timestamp.
func (s Snapshot) LastSeen() int64 {
	return max(s.UplinkLastTS, s.DownlinkLastTS, s.PollLastTS)
}

// counter is one count with its last-seen time.
type counter struct {
	n  int64
	ts int64
}

func (c *counter) hit(now int64) {
	c.n++
	c.ts = now
}

func (c *counter) shift(delta int64) {
	if c.ts >= 0 {
		c.ts += delta
	}
}

// Collector accumulates counters over the lifetime of the agent.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu  sync.Mutex
	now func() int64

	uplink, uplinkErr     counter
	downlink, downlinkErr counter
	poll                  counter
	uplinkData            counter
	downlinkData          counter
	recvShell             counter

	uplinkFragments, uplinkBytes     int64
	downlinkFragments, downlinkBytes int64
}

// NewCollector creates a Collector reading time from now, which returns
// milliseconds since the epoch. A nil now uses the system clock.
func NewCollector(now func() int64) *Collector {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	c := &Collector{now: now}
	for _, p := range c.counters() {
		p.ts = Never
	}
	return c
}

func (c *Collector) counters() []*counter {
	return []*counter{
		&c.uplink, &c.uplinkErr,
		&c.downlink, &c.downlinkErr,
		&c.poll, &c.uplinkData, &c.downlinkData, &c.recvShell,
	}
}

// OnTransfer records a transfer outcome. It implements transfer.Observer.
func (c *Collector) OnTransfer(ev transfer.Event) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	switch ev.Kind {
	case transfer.UplinkOK:
		c.uplink.hit(now)
		c.uplinkFragments += int64(ev.Fragments)
		c.uplinkBytes += int64(ev.Bytes)
	case transfer.UplinkError:
		c.uplinkErr.hit(now)
	case transfer.DownlinkOK:
		c.downlink.hit(now)
		c.downlinkFragments += int64(ev.Fragments)
		c.downlinkBytes += int64(ev.Bytes)
	case transfer.DownlinkError:
		c.downlinkErr.hit(now)
	case transfer.Poll:
		c.poll.hit(now)
	}
}

// IncUplinkData records an application data uplink.
func (c *Collector) IncUplinkData() {
	c.hit(func() *counter { return &c.uplinkData })
}

// IncDownlinkData records an application data downlink.
func (c *Collector) IncDownlinkData() {
	c.hit(func() *counter { return &c.downlinkData })
}

// IncRecvShell records a received shell batch.
func (c *Collector) IncRecvShell() {
	c.hit(func() *counter { return &c.recvShell })
}

func (c *Collector) hit(pick func() *counter) {
	if c == nil {
		return
	}
	c.mu.Lock()
	pick().hit(c.now())
	c.mu.Unlock()
}

// AdjustTimestamps shifts every recorded timestamp by delta milliseconds.
// Timestamps still at Never are left alone.
func (c *Collector) AdjustTimestamps(delta int64) {
	if c == nil || delta == 0 {
		return
	}
	c.mu.Lock()
	for _, p := range c.counters() {
		p.shift(delta)
	}
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{
			UplinkLastTS: Never, UplinkErrorLastTS: Never,
			DownlinkLastTS: Never, DownlinkErrorLastTS: Never,
			PollLastTS: Never, UplinkDataLastTS: Never,
			DownlinkDataLastTS: Never, RecvShellLastTS: Never,
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		Timestamp: c.now(),

		UplinkCount:     c.uplink.n,
		UplinkFragments: c.uplinkFragments,
		UplinkBytes:     c.uplinkBytes,
		UplinkLastTS:    c.uplink.ts,

		UplinkErrors:      c.uplinkErr.n,
		UplinkErrorLastTS: c.uplinkErr.ts,

		DownlinkCount:     c.downlink.n,
		DownlinkFragments: c.downlinkFragments,
		DownlinkBytes:     c.downlinkBytes,
		DownlinkLastTS:    c.downlink.ts,

		DownlinkErrors:      c.downlinkErr.n,
		DownlinkErrorLastTS: c.downlinkErr.ts,

		PollCount:  c.poll.n,
		PollLastTS: c.poll.ts,

		UplinkDataCount:  c.uplinkData.n,
		UplinkDataLastTS: c.uplinkData.ts,

		DownlinkDataCount:  c.downlinkData.n,
		DownlinkDataLastTS: c.downlinkData.ts,

		RecvShellCount:  c.recvShell.n,
		RecvShellLastTS: c.recvShell.ts,
	}
}

var _ transfer.Observer = (*Collector)(nil)
