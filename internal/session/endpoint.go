package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

type EndpointMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu             sync.RWMutex
	latencyHistory []int64
	maxHistorySize int
}

func NewEndpointMetrics() *EndpointMetrics {
	return &EndpointMetrics{
		latencyHistory: make([]int64, 0, 100),
		maxHistorySize: 100,
	}
}

func (m *EndpointMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())

	m.mu.Lock()
	if len(m.latencyHistory) >= m.maxHistorySize {
		m.latencyHistory = m.latencyHistory[1:]
	}
	m.latencyHistory = append(m.latencyHistory, latencyMs)
	m.mu.Unlock()
}

func (m *EndpointMetrics) RecordFailure() {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
}

func (m *EndpointMetrics) AvgLatencyMs() int64 {
	ok := m.SuccessfulReqs.Load()
	if ok == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / ok
}

func (m *EndpointMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *EndpointMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencyHistory) == 0 {
		return 0
	}

	sorted := make([]int64, len(m.latencyHistory))
	copy(sorted, m.latencyHistory)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type EndpointState int32

const (
	StateHealthy EndpointState = iota
	StateDegraded
	StateUnhealthy
	StateCircuitOpen
)

func (s EndpointState) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is one conversational pipeline back end.
type Endpoint struct {
	url              string
	weight           int32
	client           *fasthttp.Client
	metrics          *EndpointMetrics
	state            atomic.Int32
	circuitOpenUntil atomic.Int64
}

func newEndpoint(url string, weight int, client *fasthttp.Client) *Endpoint {
	e := &Endpoint{url: url, weight: int32(weight), client: client, metrics: NewEndpointMetrics()}
	e.state.Store(int32(StateHealthy))
	return e
}

func (e *Endpoint) URL() string { return e.url }

func (e *Endpoint) State() EndpointState {
	return EndpointState(e.state.Load())
}

func (e *Endpoint) SetState(s EndpointState) {
	e.state.Store(int32(s))
}

// IsAvailable half-opens an expired circuit as degraded.
func (e *Endpoint) IsAvailable() bool {
	switch e.State() {
	case StateCircuitOpen:
		if time.Now().Unix() > e.circuitOpenUntil.Load() {
			e.SetState(StateDegraded)
			return true
		}
		return false
	case StateUnhealthy:
		return false
	default:
		return true
	}
}

// Score ranks endpoints, higher is better. Unavailable endpoints score zero.
func (e *Endpoint) Score() float64 {
	if !e.IsAvailable() {
		return 0
	}

	successScore := e.metrics.SuccessRate() * 100

	latencyScore := 100.0
	if avg := e.metrics.AvgLatencyMs(); avg > 0 {
		// 5s or slower scores nothing
		latencyScore = 100.0 * (1.0 - float64(avg)/5000.0)
		if latencyScore < 0 {
			latencyScore = 0
		}
	}

	recentPenalty := 1.0 - float64(e.metrics.ConsecutiveFails.Load())*0.1
	if recentPenalty < 0.1 {
		recentPenalty = 0.1
	}

	statePenalty := 1.0
	if e.State() == StateDegraded {
		statePenalty = 0.5
	}

	return (successScore*0.4 + latencyScore*0.4 + float64(e.weight)*0.2) * recentPenalty * statePenalty
}

type EndpointStats struct {
	URL              string
	State            string
	Score            float64
	TotalRequests    int64
	FailedReqs       int64
	SuccessRate      float64
	AvgLatencyMs     int64
	P95LatencyMs     int64
	ConsecutiveFails int32
}

func (e *Endpoint) Stats() EndpointStats {
	return EndpointStats{
		URL:              e.url,
		State:            e.State().String(),
		Score:            e.Score(),
		TotalRequests:    e.metrics.TotalRequests.Load(),
		FailedReqs:       e.metrics.FailedReqs.Load(),
		SuccessRate:      e.metrics.SuccessRate(),
		AvgLatencyMs:     e.metrics.AvgLatencyMs(),
		P95LatencyMs:     e.metrics.P95LatencyMs(),
		ConsecutiveFails: e.metrics.ConsecutiveFails.Load(),
	}
}
