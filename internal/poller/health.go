package poller

import (
	"encoding/json"
	"sync"
	"time"
)

// HealthStatus summarises recent snapshot query outcomes.
type HealthStatus int

const (
	StatusHealthy HealthStatus = iota
	StatusDegraded
)

func (s HealthStatus) String() string {
	if s == StatusDegraded {
		return "degraded"
	}
	return "healthy"
}

func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Health is a snapshot of poll health.
type Health struct {
	Status    HealthStatus `json:"status"`
	Failures  int          `json:"failures"`
	LastError string       `json:"lastError,omitempty"`
	LastFail  time.Time    `json:"lastFail,omitempty"`
}

// pollHealth tracks consecutive snapshot failures. Fields are protected by
// mu because ticks write them while status readers run elsewhere.
type pollHealth struct {
	mu                sync.Mutex
	failures          int
	lastErr           string
	lastFail          time.Time
	lastEmittedStatus HealthStatus
}

func (h *pollHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
}

func (h *pollHealth) recordFailure(err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = at
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *pollHealth) statusLocked(threshold int) HealthStatus {
	if h.failures >= threshold {
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *pollHealth) snapshot(threshold int) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Health{
		Status:    h.statusLocked(threshold),
		Failures:  h.failures,
		LastError: h.lastErr,
		LastFail:  h.lastFail,
	}
}

// snapshotAndEmit returns the current health and whether the status
// changed since the last emission, updating the emitted status if so.
func (h *pollHealth) snapshotAndEmit(threshold int) (Health, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := h.statusLocked(threshold)
	changed := status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = status
	}
	return Health{
		Status:    status,
		Failures:  h.failures,
		LastError: h.lastErr,
		LastFail:  h.lastFail,
	}, changed
}
