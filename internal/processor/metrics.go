package processor

import (
	"sync/atomic"
	"time"
)

type ServiceMetrics struct {
	totalApplied    atomic.Int64
	totalSkipped    atomic.Int64
	totalFailed     atomic.Int64
	totalDurationNs atomic.Int64
	startedAt       time.Time
}

type MetricsSnapshot struct {
	Applied       int64
	Skipped       int64
	Failed        int64
	AvgDuration   time.Duration
	UptimeSeconds float64
}

func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{startedAt: time.Now()}
}

func (m *ServiceMetrics) RecordApplied(duration time.Duration) {
	m.totalApplied.Add(1)
	m.totalDurationNs.Add(int64(duration))
}

// RecordSkipped counts events acked without changing a record.
func (m *ServiceMetrics) RecordSkipped() {
	m.totalSkipped.Add(1)
}

func (m *ServiceMetrics) RecordFailure() {
	m.totalFailed.Add(1)
}

func (m *ServiceMetrics) Snapshot() MetricsSnapshot {
	applied := m.totalApplied.Load()
	s := MetricsSnapshot{
		Applied:       applied,
		Skipped:       m.totalSkipped.Load(),
		Failed:        m.totalFailed.Load(),
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
	}
	if applied > 0 {
		s.AvgDuration = time.Duration(m.totalDurationNs.Load() / applied)
	}
	return s
}
