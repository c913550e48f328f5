package observability

import (
	"context"
	"sync"
	"time"
)

// HealthStatus is the tri-state health signal exposed to probes.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// SagaMonitor is the slice of the saga coordinator the health probe needs.
type SagaMonitor interface {
	StuckSagaCount(ctx context.Context, threshold time.Duration, limit int) (int, error)
	FailedSagaCount(ctx context.Context, limit int) (int, error)
	RunningSagaCount(ctx context.Context, sagaType string) (int, error)
}

// SagaHealthThresholds tunes the saga health rule.
type SagaHealthThresholds struct {
	// StuckThreshold is the age past which an open saga counts as stuck.
	StuckThreshold time.Duration
	// StuckLimit and FailedLimit cap the underlying monitoring queries.
	StuckLimit  int
	FailedLimit int
	// UnhealthyStuckThreshold: stuck count at or above this => Unhealthy.
	UnhealthyStuckThreshold int
	// DegradedFailedThreshold: failed count at or above this => Degraded.
	DegradedFailedThreshold int
}

// DefaultSagaHealthThresholds returns the defaults used by the daemon.
func DefaultSagaHealthThresholds() SagaHealthThresholds {
	return SagaHealthThresholds{
		StuckThreshold:          30 * time.Minute,
		StuckLimit:              100,
		FailedLimit:             100,
		UnhealthyStuckThreshold: 10,
		DegradedFailedThreshold: 5,
	}
}

// SagaHealthReport is the probe result.
type SagaHealthReport struct {
	Status                HealthStatus `json:"status"`
	Running               int          `json:"running"`
	Stuck                 int          `json:"stuck"`
	Failed                int          `json:"failed"`
	StuckThresholdMinutes int          `json:"stuck_threshold_minutes"`
	Err                   error        `json:"-"`
}

// SagaHealthCheck evaluates coordinator monitoring counters against
// thresholds.
type SagaHealthCheck struct {
	monitor    SagaMonitor
	thresholds SagaHealthThresholds
}

// NewSagaHealthCheck creates the probe.
func NewSagaHealthCheck(monitor SagaMonitor, thresholds SagaHealthThresholds) *SagaHealthCheck {
	if thresholds.StuckThreshold <= 0 {
		thresholds = DefaultSagaHealthThresholds()
	}
	return &SagaHealthCheck{monitor: monitor, thresholds: thresholds}
}

// Check runs the probe. Any monitor error yields Unhealthy with the error
// attached rather than propagating.
func (c *SagaHealthCheck) Check(ctx context.Context) SagaHealthReport {
	report := SagaHealthReport{
		Status:                StatusHealthy,
		StuckThresholdMinutes: int(c.thresholds.StuckThreshold.Minutes()),
	}

	stuck, err := c.monitor.StuckSagaCount(ctx, c.thresholds.StuckThreshold, c.thresholds.StuckLimit)
	if err != nil {
		report.Status = StatusUnhealthy
		report.Err = err
		return report
	}
	failed, err := c.monitor.FailedSagaCount(ctx, c.thresholds.FailedLimit)
	if err != nil {
		report.Status = StatusUnhealthy
		report.Err = err
		return report
	}
	running, err := c.monitor.RunningSagaCount(ctx, "")
	if err != nil {
		report.Status = StatusUnhealthy
		report.Err = err
		return report
	}

	report.Running = running
	report.Stuck = stuck
	report.Failed = failed

	switch {
	case stuck >= c.thresholds.UnhealthyStuckThreshold:
		report.Status = StatusUnhealthy
	case failed >= c.thresholds.DegradedFailedThreshold:
		report.Status = StatusDegraded
	}
	return report
}

// HeartbeatThresholds maps heartbeat age to a status.
type HeartbeatThresholds struct {
	Degraded  time.Duration
	Unhealthy time.Duration
}

// DefaultHeartbeatThresholds: 5 minutes degraded, 10 minutes unhealthy.
func DefaultHeartbeatThresholds() HeartbeatThresholds {
	return HeartbeatThresholds{
		Degraded:  5 * time.Minute,
		Unhealthy: 10 * time.Minute,
	}
}

// JobHeartbeat is one background worker's latest heartbeat and its status.
type JobHeartbeat struct {
	Job      string       `json:"job"`
	LastBeat time.Time    `json:"last_beat"`
	Status   HealthStatus `json:"status"`
}

// HeartbeatRegistry records background-job heartbeats keyed by job name.
type HeartbeatRegistry struct {
	mu         sync.RWMutex
	beats      map[string]time.Time
	thresholds HeartbeatThresholds
	now        func() time.Time
}

// NewHeartbeatRegistry creates a registry with the given thresholds.
func NewHeartbeatRegistry(thresholds HeartbeatThresholds) *HeartbeatRegistry {
	if thresholds.Degraded <= 0 || thresholds.Unhealthy <= 0 {
		thresholds = DefaultHeartbeatThresholds()
	}
	return &HeartbeatRegistry{
		beats:      make(map[string]time.Time),
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Beat records a heartbeat for the named job.
func (r *HeartbeatRegistry) Beat(job string) {
	r.mu.Lock()
	r.beats[job] = r.now()
	r.mu.Unlock()
}

// Status maps the named job's heartbeat age to a status. A job that never
// beat is Unhealthy.
func (r *HeartbeatRegistry) Status(job string) HealthStatus {
	r.mu.RLock()
	last, ok := r.beats[job]
	r.mu.RUnlock()
	if !ok {
		return StatusUnhealthy
	}
	return r.ageStatus(r.now().Sub(last))
}

// Report returns the heartbeat status of every registered job.
func (r *HeartbeatRegistry) Report() []JobHeartbeat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobHeartbeat, 0, len(r.beats))
	now := r.now()
	for job, last := range r.beats {
		out = append(out, JobHeartbeat{
			Job:      job,
			LastBeat: last,
			Status:   r.ageStatus(now.Sub(last)),
		})
	}
	return out
}

func (r *HeartbeatRegistry) ageStatus(age time.Duration) HealthStatus {
	switch {
	case age >= r.thresholds.Unhealthy:
		return StatusUnhealthy
	case age >= r.thresholds.Degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
