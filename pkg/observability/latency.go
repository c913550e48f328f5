package observability

import (
	"sort"
	"sync/atomic"
	"time"
)

// DefaultLatencyCapacity is the ring size used when none is given.
const DefaultLatencyCapacity = 1024

// LatencyStatistics is a point-in-time percentile report.
type LatencyStatistics struct {
	Avg time.Duration
	P95 time.Duration
	P99 time.Duration
}

// LatencyTracker is a fixed-capacity ring of latency samples. Record is safe
// for many concurrent producers; once the ring is full the oldest slot is
// overwritten. Statistics snapshots the occupied slots, so its cost is
// dominated by the sort, which is fine because reads are rare next to writes.
type LatencyTracker struct {
	samples []int64
	// next is a monotonic insertion counter; slot = next % capacity.
	next atomic.Uint64
}

// NewLatencyTracker creates a tracker with the given ring capacity.
// A non-positive capacity selects DefaultLatencyCapacity.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = DefaultLatencyCapacity
	}
	return &LatencyTracker{samples: make([]int64, capacity)}
}

// Record stores one sample, overwriting the oldest slot when full.
func (t *LatencyTracker) Record(latency time.Duration) {
	idx := t.next.Add(1) - 1
	slot := idx % uint64(len(t.samples))
	atomic.StoreInt64(&t.samples[slot], int64(latency))
}

// Statistics reports avg/p95/p99 over the currently occupied slots.
// All zeros when no samples were recorded.
func (t *LatencyTracker) Statistics() LatencyStatistics {
	recorded := t.next.Load()
	if recorded == 0 {
		return LatencyStatistics{}
	}
	n := int(recorded)
	if n > len(t.samples) {
		n = len(t.samples)
	}

	snapshot := make([]int64, n)
	for i := 0; i < n; i++ {
		snapshot[i] = atomic.LoadInt64(&t.samples[i])
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i] < snapshot[j] })

	var sum int64
	for _, v := range snapshot {
		sum += v
	}

	return LatencyStatistics{
		Avg: time.Duration(sum / int64(n)),
		P95: time.Duration(snapshot[percentileIndex(n, 0.95)]),
		P99: time.Duration(snapshot[percentileIndex(n, 0.99)]),
	}
}

// percentileIndex is floor(n*q) clamped to n-1.
func percentileIndex(n int, q float64) int {
	idx := int(float64(n) * q)
	if idx >= n {
		idx = n - 1
	}
	return idx
}
