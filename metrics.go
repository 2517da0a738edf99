package nvme

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the completion-latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a Controller.
type Metrics struct {
	CommandsSubmitted atomic.Uint64 // SQ.exec calls across all queues
	CommandsCompleted atomic.Uint64 // CQ entries consumed across all queues
	AdminOneshots     atomic.Uint64 // oneshot admin commands issued
	AerDispatches     atomic.Uint64 // AEN handler invocations
	TrackerBusy       atomic.Uint64 // acquire() calls that returned Busy
	DbbufSkipped      atomic.Uint64 // try_dbbuf calls that skipped the MMIO write
	DbbufSignalled    atomic.Uint64 // try_dbbuf calls that required the MMIO write

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyHist[i] is the cumulative count of completions with latency
	// <= LatencyBuckets[i].
	LatencyHist [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records one submitted command.
func (m *Metrics) RecordCommand() {
	m.CommandsSubmitted.Add(1)
}

// RecordCompletion records one consumed CQE and its round-trip latency.
func (m *Metrics) RecordCompletion(latencyNs uint64) {
	m.CommandsCompleted.Add(1)
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHist[i].Add(1)
		}
	}
}

// RecordTrackerBusy records one acquire() call that returned Busy.
func (m *Metrics) RecordTrackerBusy() {
	m.TrackerBusy.Add(1)
}

// RecordAerDispatch records one AEN handler invocation.
func (m *Metrics) RecordAerDispatch() {
	m.AerDispatches.Add(1)
}

// RecordDbbuf records the outcome of one try_dbbuf call.
func (m *Metrics) RecordDbbuf(skipped bool) {
	if skipped {
		m.DbbufSkipped.Add(1)
	} else {
		m.DbbufSignalled.Add(1)
	}
}

// Stop marks the controller as closed.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time copy of Metrics with derived statistics.
type Snapshot struct {
	CommandsSubmitted uint64
	CommandsCompleted uint64
	AdminOneshots     uint64
	AerDispatches     uint64
	TrackerBusy       uint64
	DbbufSkipped      uint64
	DbbufSignalled    uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot takes a point-in-time snapshot, computing average latency and
// percentile estimates from the histogram.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		CommandsSubmitted: m.CommandsSubmitted.Load(),
		CommandsCompleted: m.CommandsCompleted.Load(),
		AdminOneshots:     m.AdminOneshots.Load(),
		AerDispatches:     m.AerDispatches.Load(),
		TrackerBusy:       m.TrackerBusy.Load(),
		DbbufSkipped:      m.DbbufSkipped.Load(),
		DbbufSignalled:    m.DbbufSignalled.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHist[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.percentile(0.50)
		snap.LatencyP99Ns = m.percentile(0.99)
		snap.LatencyP999Ns = m.percentile(0.999)
	}

	return snap
}

// percentile estimates the latency at the given percentile (0.0-1.0) by
// linear interpolation between histogram buckets.
func (m *Metrics) percentile(p float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBucket := uint64(0)
	prevCount := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.LatencyHist[i].Load()
		if count >= target {
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
		prevCount = count
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters; useful between test scenarios.
func (m *Metrics) Reset() {
	m.CommandsSubmitted.Store(0)
	m.CommandsCompleted.Store(0)
	m.AdminOneshots.Store(0)
	m.AerDispatches.Store(0)
	m.TrackerBusy.Store(0)
	m.DbbufSkipped.Store(0)
	m.DbbufSignalled.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHist[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer lets a caller plug in external telemetry for controller events.
type Observer interface {
	OnCommandComplete(latency time.Duration, status uint16)
	OnTrackerBusy()
	OnAerDispatch()
	OnDbbuf(skipped bool)
}

// NoOpObserver is the default Observer; it discards every event.
type NoOpObserver struct{}

func (NoOpObserver) OnCommandComplete(time.Duration, uint16) {}
func (NoOpObserver) OnTrackerBusy()                          {}
func (NoOpObserver) OnAerDispatch()                          {}
func (NoOpObserver) OnDbbuf(bool)                            {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) OnCommandComplete(latency time.Duration, status uint16) {
	o.metrics.RecordCompletion(uint64(latency.Nanoseconds()))
}

func (o *MetricsObserver) OnTrackerBusy() {
	o.metrics.RecordTrackerBusy()
}

func (o *MetricsObserver) OnAerDispatch() {
	o.metrics.RecordAerDispatch()
}

func (o *MetricsObserver) OnDbbuf(skipped bool) {
	o.metrics.RecordDbbuf(skipped)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
