package coordinator

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ambient/internal/config"
)

// controlPlane holds the loop's operational safety state.
type controlPlane struct {
	cfg config.ControlPlaneConfig

	mu       sync.Mutex
	limiter  *rate.Limiter
	window   []bool // recent apply/verify outcomes, oldest first
	backoff  time.Duration
	until    time.Time
	disabled bool
}

func newControlPlane(cfg config.ControlPlaneConfig) *controlPlane {
	cp := &controlPlane{cfg: cfg}
	if cfg.MaxProposalsPerHour > 0 {
		cp.limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxProposalsPerHour)/3600), cfg.MaxProposalsPerHour)
	}
	return cp
}

func (cp *controlPlane) paused() bool {
	return cp.cfg.Paused
}

// admit reports whether one more proposal fits the hourly budget.
func (cp *controlPlane) admit(now time.Time) bool {
	if cp.limiter == nil {
		return true
	}
	return cp.limiter.AllowN(now, 1)
}

// record appends outcomes to the sliding window and returns the kill
// switch verdict: whether auto-apply should be off, and why.
func (cp *controlPlane) record(outcomes ...bool) (bool, string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	size := cp.cfg.FailureRateWindow
	if size < 1 {
		size = 1
	}
	cp.window = append(cp.window, outcomes...)
	if over := len(cp.window) - size; over > 0 {
		cp.window = append([]bool(nil), cp.window[over:]...)
	}

	if !cp.cfg.DisableAutoApplyOnFailureRate || len(cp.window) == 0 {
		cp.disabled = false
		return false, ""
	}
	failures := 0
	for _, ok := range cp.window {
		if !ok {
			failures++
		}
	}
	ratio := float64(failures) / float64(len(cp.window))
	cp.disabled = failures >= cp.cfg.MinFailuresBeforeDisable && ratio > cp.cfg.FailureRateThreshold
	if !cp.disabled {
		return false, ""
	}
	return true, fmt.Sprintf("failure_rate:%.2f>%.2f", ratio, cp.cfg.FailureRateThreshold)
}

// fail doubles the cycle backoff within [base, max] and returns the time
// before which no cycle should start.
func (cp *controlPlane) fail(now time.Time) time.Time {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	base, ceiling := cp.cfg.GetBackoffBase(), cp.cfg.GetBackoffMax()
	next := cp.backoff * 2
	if next < base {
		next = base
	}
	if next > ceiling {
		next = ceiling
	}
	cp.backoff = next
	cp.until = now.Add(next)
	return cp.until
}

func (cp *controlPlane) succeed() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.backoff = 0
	cp.until = time.Time{}
}

func (cp *controlPlane) backoffUntil() time.Time {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.until
}
