package statusd

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pithecene-io/skylink/metrics"
)

const namespace = "skylink"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(metrics.Snapshot) int64
}

// Collector exports a metrics snapshot on every scrape. Timestamps are
// reported in seconds; a counter that has never fired reports -1.
type Collector struct {
	src      Source
	counters []counterDesc
	lastSeen []counterDesc
	session  *prometheus.Desc
}

// NewCollector returns a prometheus.Collector reading from src.
func NewCollector(src Source) *Collector {
	c := &Collector{
		src:     src,
		session: prometheus.NewDesc(namespace+"_session_id", "Backend-assigned session id, 0 when none.", nil, nil),
	}
	counter := func(name, help string, v func(metrics.Snapshot) int64) {
		c.counters = append(c.counters, counterDesc{
			desc:  prometheus.NewDesc(namespace+"_"+name+"_total", help, nil, nil),
			value: v,
		})
	}
	last := func(name, help string, v func(metrics.Snapshot) int64) {
		c.lastSeen = append(c.lastSeen, counterDesc{
			desc:  prometheus.NewDesc(namespace+"_"+name+"_last_seconds", help, nil, nil),
			value: v,
		})
	}

	counter("uplinks", "Uplink messages delivered.", func(s metrics.Snapshot) int64 { return s.UplinkCount })
	counter("uplink_fragments", "Uplink fragments sent.", func(s metrics.Snapshot) int64 { return s.UplinkFragments })
	counter("uplink_bytes", "Uplink payload bytes.", func(s metrics.Snapshot) int64 { return s.UplinkBytes })
	counter("uplink_errors", "Failed uplinks.", func(s metrics.Snapshot) int64 { return s.UplinkErrors })
	counter("downlinks", "Downlink messages received.", func(s metrics.Snapshot) int64 { return s.DownlinkCount })
	counter("downlink_fragments", "Downlink fragments received.", func(s metrics.Snapshot) int64 { return s.DownlinkFragments })
	counter("downlink_bytes", "Downlink payload bytes.", func(s metrics.Snapshot) int64 { return s.DownlinkBytes })
	counter("downlink_errors", "Failed downlinks.", func(s metrics.Snapshot) int64 { return s.DownlinkErrors })
	counter("polls", "Poll flags seen in acknowledgements.", func(s metrics.Snapshot) int64 { return s.PollCount })
	counter("uplink_data", "Application payloads sent.", func(s metrics.Snapshot) int64 { return s.UplinkDataCount })
	counter("downlink_data", "Application payloads received.", func(s metrics.Snapshot) int64 { return s.DownlinkDataCount })
	counter("recv_shell", "Shell batches received.", func(s metrics.Snapshot) int64 { return s.RecvShellCount })

	last("uplink", "Time of the last uplink.", func(s metrics.Snapshot) int64 { return s.UplinkLastTS })
	last("downlink", "Time of the last downlink.", func(s metrics.Snapshot) int64 { return s.DownlinkLastTS })
	last("poll", "Time of the last poll flag.", func(s metrics.Snapshot) int64 { return s.PollLastTS })
	last("seen", "Time the backend was last heard from.", metrics.Snapshot.LastSeen)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d.desc
	}
	for _, d := range c.lastSeen {
		ch <- d.desc
	}
	ch <- c.session
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Metrics()
	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value(snap)))
	}
	for _, d := range c.lastSeen {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, seconds(d.value(snap)))
	}
	ch <- prometheus.MustNewConstMetric(c.session, prometheus.GaugeValue, float64(c.src.State().Session.ID))
}

func seconds(ms int64) float64 {
	if ms == metrics.Never {
		return -1
	}
	return float64(ms) / 1000
}
