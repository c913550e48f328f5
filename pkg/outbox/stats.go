package outbox

import "sync/atomic"

// Statistics counts publisher activity. All counters are monotonic.
type Statistics struct {
	operations atomic.Uint64
	published  atomic.Uint64
	failed     atomic.Uint64
}

// NewStatistics creates zeroed counters.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) recordOperation() { s.operations.Add(1) }
func (s *Statistics) recordPublished() { s.published.Add(1) }
func (s *Statistics) recordFailed()    { s.failed.Add(1) }

// Operations is the number of publisher passes executed.
func (s *Statistics) Operations() uint64 { return s.operations.Load() }

// Published is the number of messages delivered.
func (s *Statistics) Published() uint64 { return s.published.Load() }

// Failed is the number of delivery attempts that errored.
func (s *Statistics) Failed() uint64 { return s.failed.Load() }

// SuccessRate is published/(published+failed) as a percentage. With no
// attempts yet it reports 100.
func (s *Statistics) SuccessRate() float64 {
	pub := float64(s.published.Load())
	fail := float64(s.failed.Load())
	total := pub + fail
	if total == 0 {
		return 100.0
	}
	return pub / total * 100.0
}

// Snapshot is a point-in-time copy for health endpoints.
type StatisticsSnapshot struct {
	Operations  uint64  `json:"operations"`
	Published   uint64  `json:"published"`
	Failed      uint64  `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Snapshot reads all counters at once.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		Operations:  s.Operations(),
		Published:   s.Published(),
		Failed:      s.Failed(),
		SuccessRate: s.SuccessRate(),
	}
}
