// Package telemetry owns the pipeline's observability: lock-free stage
// counters, the periodic sampler with its CSV sink and Prometheus mirror,
// and the optional HTTP endpoints.
package telemetry

import (
	"math"
	"sync/atomic"
	"time"
)

// Counters are the cumulative per-stage counts. Stages update them with
// atomic operations only, so sampling never blocks a producer or consumer.
type Counters struct {
	Ingested    atomic.Uint64
	Parsed      atomic.Uint64
	ParseErrors atomic.Uint64
	Indexed     atomic.Uint64
	Alerted     atomic.Uint64
	Discarded   atomic.Uint64

	// Indexer detail. BatchFill is a gauge, the rest are cumulative.
	BatchFill    atomic.Uint64
	Flushes      atomic.Uint64
	FlushRetries atomic.Uint64
	WriteNanos   atomic.Uint64
	SinkErrors   atomic.Uint64

	// Ingest-to-index latency accumulators, in nanoseconds.
	latencyCount atomic.Uint64
	latencySum   atomic.Uint64
	latencyMin   atomic.Uint64
	latencyMax   atomic.Uint64
}

// Snapshot is a point-in-time copy of the headline counters.
type Snapshot struct {
	Ingested    uint64
	Parsed      uint64
	ParseErrors uint64
	Indexed     uint64
	Alerted     uint64
	Discarded   uint64
}

// Snapshot reads the headline counters. Individually atomic; the set is not
// a single linearization point, which is fine for telemetry.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Ingested:    c.Ingested.Load(),
		Parsed:      c.Parsed.Load(),
		ParseErrors: c.ParseErrors.Load(),
		Indexed:     c.Indexed.Load(),
		Alerted:     c.Alerted.Load(),
		Discarded:   c.Discarded.Load(),
	}
}

// ObserveLatency records one ingest-to-index duration.
func (c *Counters) ObserveLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	n := uint64(d)
	c.latencyCount.Add(1)
	c.latencySum.Add(n)

	for {
		min := c.latencyMin.Load()
		if min != 0 && n >= min {
			break
		}
		if c.latencyMin.CompareAndSwap(min, n) {
			break
		}
	}
	for {
		max := c.latencyMax.Load()
		if n <= max {
			break
		}
		if c.latencyMax.CompareAndSwap(max, n) {
			break
		}
	}
}

// LatencyStats returns the average, minimum, and maximum observed
// ingest-to-index latency and the observation count.
func (c *Counters) LatencyStats() (avg, min, max time.Duration, count uint64) {
	count = c.latencyCount.Load()
	if count == 0 {
		return 0, 0, 0, 0
	}
	sum := c.latencySum.Load()
	avg = time.Duration(sum / count)
	min = time.Duration(c.latencyMin.Load())
	max = time.Duration(c.latencyMax.Load())
	return avg, min, max, count
}

// QueueProbe reports one queue's depth without blocking it.
type QueueProbe struct {
	Name string
	Len  func() int
	Cap  func() int
}

// clampPct keeps a percentage within [0, 100] against sampler jitter.
func clampPct(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
