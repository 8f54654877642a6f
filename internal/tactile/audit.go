package tactile

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ambient/internal/logging"
)

var (
	// sandboxCommandsTotal counts sandboxed commands by executor and outcome
	sandboxCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ambient_sandbox_commands_total",
		Help: "Total sandboxed commands by executor and outcome",
	}, []string{"executor", "outcome"})

	// sandboxCommandDuration tracks command wall-clock time
	sandboxCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ambient_sandbox_command_duration_seconds",
		Help:    "Sandboxed command duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
	}, []string{"executor"})
)

// AuditLogger fans execution events out to logging, metrics and callbacks.
type AuditLogger struct {
	mu        sync.RWMutex
	callbacks []func(AuditEvent)
	metrics   *ExecutionMetrics
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger() *AuditLogger {
	return &AuditLogger{metrics: NewExecutionMetrics()}
}

// AddCallback adds a callback function for audit events.
func (l *AuditLogger) AddCallback(callback func(AuditEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, callback)
}

// Log records an audit event.
func (l *AuditLogger) Log(event AuditEvent) {
	l.mu.RLock()
	callbacks := l.callbacks
	l.mu.RUnlock()

	l.metrics.RecordEvent(event)

	switch event.Type {
	case AuditEventBlocked:
		logging.SandboxWarn("blocked: %q (%s)", event.Command.CommandString(), event.Detail)
		sandboxCommandsTotal.WithLabelValues(event.ExecutorName, "blocked").Inc()
	case AuditEventNetwork:
		logging.Sandbox("network enabled for %q via %s (%s)", event.Command.CommandString(), event.ExecutorName, event.Detail)
	case AuditEventComplete, AuditEventKilled, AuditEventError:
		outcome := "ok"
		if event.Result != nil {
			switch {
			case event.Result.TimedOut:
				outcome = "timeout"
			case event.Result.Killed:
				outcome = "killed"
			case !event.Result.Success:
				outcome = "error"
			case event.Result.ExitCode != 0:
				outcome = "nonzero"
			}
			sandboxCommandDuration.WithLabelValues(event.ExecutorName).Observe(event.Result.Duration.Seconds())
		}
		sandboxCommandsTotal.WithLabelValues(event.ExecutorName, outcome).Inc()
	}

	for _, cb := range callbacks {
		cb(event)
	}
}

// GetMetrics returns the current execution metrics.
func (l *AuditLogger) GetMetrics() ExecutionMetricsSnapshot {
	return l.metrics.Snapshot()
}

// ExecutionMetrics tracks aggregate execution statistics.
type ExecutionMetrics struct {
	mu sync.RWMutex

	totalExecutions      int64
	successfulExecutions int64
	failedExecutions     int64
	killedExecutions     int64
	blockedExecutions    int64
	networkEnabled       int64
	totalDurationMs      int64

	executionsByBinary map[string]int64
	lastEventTime      time.Time
}

// NewExecutionMetrics creates a new metrics tracker.
func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{
		executionsByBinary: make(map[string]int64),
	}
}

// RecordEvent updates metrics based on an audit event.
func (m *ExecutionMetrics) RecordEvent(event AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastEventTime = event.Timestamp

	switch event.Type {
	case AuditEventStart:
		m.totalExecutions++
		m.executionsByBinary[event.Command.Binary]++

	case AuditEventComplete:
		if event.Result != nil {
			if event.Result.ExitCode == 0 {
				m.successfulExecutions++
			} else {
				m.failedExecutions++
			}
			m.totalDurationMs += event.Result.Duration.Milliseconds()
		}

	case AuditEventKilled:
		m.killedExecutions++
		if event.Result != nil {
			m.totalDurationMs += event.Result.Duration.Milliseconds()
		}

	case AuditEventError:
		m.failedExecutions++

	case AuditEventBlocked:
		m.blockedExecutions++

	case AuditEventNetwork:
		m.networkEnabled++
	}
}

// ExecutionMetricsSnapshot is a point-in-time snapshot of metrics.
type ExecutionMetricsSnapshot struct {
	TotalExecutions      int64            `json:"total_executions"`
	SuccessfulExecutions int64            `json:"successful_executions"`
	FailedExecutions     int64            `json:"failed_executions"`
	KilledExecutions     int64            `json:"killed_executions"`
	BlockedExecutions    int64            `json:"blocked_executions"`
	NetworkEnabled       int64            `json:"network_enabled"`
	TotalDurationMs      int64            `json:"total_duration_ms"`
	ExecutionsByBinary   map[string]int64 `json:"executions_by_binary"`
	LastEventTime        time.Time        `json:"last_event_time"`
	SuccessRate          float64          `json:"success_rate"`
	AvgDurationMs        float64          `json:"avg_duration_ms"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *ExecutionMetrics) Snapshot() ExecutionMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byBinary := make(map[string]int64, len(m.executionsByBinary))
	for k, v := range m.executionsByBinary {
		byBinary[k] = v
	}

	successRate := float64(0)
	avgDuration := float64(0)
	completed := m.successfulExecutions + m.failedExecutions + m.killedExecutions
	if completed > 0 {
		successRate = float64(m.successfulExecutions) / float64(completed)
		avgDuration = float64(m.totalDurationMs) / float64(completed)
	}

	return ExecutionMetricsSnapshot{
		TotalExecutions:      m.totalExecutions,
		SuccessfulExecutions: m.successfulExecutions,
		FailedExecutions:     m.failedExecutions,
		KilledExecutions:     m.killedExecutions,
		BlockedExecutions:    m.blockedExecutions,
		NetworkEnabled:       m.networkEnabled,
		TotalDurationMs:      m.totalDurationMs,
		ExecutionsByBinary:   byBinary,
		LastEventTime:        m.lastEventTime,
		SuccessRate:          successRate,
		AvgDurationMs:        avgDuration,
	}
}
