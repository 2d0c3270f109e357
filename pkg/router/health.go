package router

import (
	"sort"
	"sync"
	"time"
)

// HealthState classifies a node by its observed success rate.
type HealthState string

const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthDegraded HealthState = "DEGRADED"
	HealthOffline  HealthState = "OFFLINE"
)

const (
	healthyRate  = 0.85
	degradedRate = 0.70

	// latencyWindow bounds the per-node latency samples kept for p95.
	latencyWindow = 100

	// degradeAfterFailures caps a node at DEGRADED once this many
	// consecutive failures are observed, regardless of its overall rate.
	degradeAfterFailures = 3
)

// nodeHealth is the volatile per-node snapshot. Results for the same node
// arrive from concurrent tasks, so every fold happens under the mutex.
type nodeHealth struct {
	mu sync.Mutex

	total               int64
	successful          int64
	consecutiveFailures int
	lastSuccess         time.Time
	latenciesMs         []int
	manuallyDown        bool
}

func (h *nodeHealth) recordSuccess(latencyMs int, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.successful++
	h.consecutiveFailures = 0
	h.lastSuccess = now
	h.pushLatency(latencyMs)
}

func (h *nodeHealth) recordFailure(latencyMs int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.consecutiveFailures++
	if latencyMs > 0 {
		h.pushLatency(latencyMs)
	}
	return h.consecutiveFailures
}

func (h *nodeHealth) pushLatency(latencyMs int) {
	h.latenciesMs = append(h.latenciesMs, latencyMs)
	if len(h.latenciesMs) > latencyWindow {
		h.latenciesMs = h.latenciesMs[1:]
	}
}

// successRate is 1.0 before any observations.
func (h *nodeHealth) successRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total == 0 {
		return 1.0
	}
	return float64(h.successful) / float64(h.total)
}

func (h *nodeHealth) state() HealthState {
	h.mu.Lock()
	manuallyDown := h.manuallyDown
	h.mu.Unlock()
	if manuallyDown {
		return HealthOffline
	}
	rate := h.successRate()
	h.mu.Lock()
	consecutive := h.consecutiveFailures
	h.mu.Unlock()
	switch {
	case rate < degradedRate:
		return HealthOffline
	case rate < healthyRate || consecutive >= degradeAfterFailures:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (h *nodeHealth) p95LatencyMs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.latenciesMs) == 0 {
		return 0
	}
	sorted := make([]int, len(h.latenciesMs))
	copy(sorted, h.latenciesMs)
	sort.Ints(sorted)
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (h *nodeHealth) lastSuccessWithin(d time.Duration, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.lastSuccess.IsZero() && now.Sub(h.lastSuccess) <= d
}

func (h *nodeHealth) setManuallyDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manuallyDown = down
}

// HealthSnapshot is the exported read-only view used by the admin surface.
type HealthSnapshot struct {
	NodeID              string
	Total               int64
	Successful          int64
	ConsecutiveFailures int
	SuccessRate         float64
	P95LatencyMs        int
	State               HealthState
	LastSuccess         time.Time
}

func (h *nodeHealth) snapshot(nodeID string) HealthSnapshot {
	rate := h.successRate()
	state := h.state()
	p95 := h.p95LatencyMs()
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		NodeID:              nodeID,
		Total:               h.total,
		Successful:          h.successful,
		ConsecutiveFailures: h.consecutiveFailures,
		SuccessRate:         rate,
		P95LatencyMs:        p95,
		State:               state,
		LastSuccess:         h.lastSuccess,
	}
}
