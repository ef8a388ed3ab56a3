package coordinator

import (
	"fmt"
	"time"

	"github.com/kandev/cmdq/internal/command/models"
)

// HealthStatus is the overall verdict of a health report.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health thresholds. Success rates are only judged once enough commands
// have finished.
const (
	healthMinFinished     = 5
	healthDegradedRate    = 0.8
	healthUnhealthyRate   = 0.5
	healthQueueMultiplier = 2
)

// ActiveCommand describes one admitted command.
type ActiveCommand struct {
	ID        string          `json:"id"`
	Kind      models.Kind     `json:"kind"`
	Priority  models.Priority `json:"priority"`
	StartedAt time.Time       `json:"started_at"`
	RunningMs int64           `json:"running_ms"`
}

// ExecutionMetrics combines live slot usage with ledger history.
type ExecutionMetrics struct {
	ExecutionStatus
	Stats             models.CommandStats `json:"stats"`
	SuccessRate       float64             `json:"success_rate"`
	AverageDurationMs float64             `json:"average_duration_ms"`
	TotalStarted      int64               `json:"total_started"`
	TotalPreempted    int64               `json:"total_preempted"`
	ActiveCommands    []ActiveCommand     `json:"active_commands"`
}

// HealthReport is the result of CreateHealthReport.
type HealthReport struct {
	Status      HealthStatus     `json:"status"`
	Issues      []string         `json:"issues"`
	Metrics     ExecutionMetrics `json:"metrics"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// GetExecutionMetrics returns a point-in-time metrics snapshot.
func (c *Coordinator) GetExecutionMetrics() ExecutionMetrics {
	now := time.Now()
	c.mu.Lock()
	status := c.statusLocked()
	ordered := c.activeInOrderLocked()
	active := make([]ActiveCommand, 0, len(ordered))
	for _, exec := range ordered {
		active = append(active, ActiveCommand{
			ID:        exec.id,
			Kind:      exec.req.Kind,
			Priority:  exec.req.Priority,
			StartedAt: exec.startedAt,
			RunningMs: now.Sub(exec.startedAt).Milliseconds(),
		})
	}
	c.mu.Unlock()

	stats := c.ledger.GetCommandStats()
	return ExecutionMetrics{
		ExecutionStatus:   status,
		Stats:             stats,
		SuccessRate:       successRate(stats),
		AverageDurationMs: stats.AverageDurationMs,
		TotalStarted:      c.totalStarted.Load(),
		TotalPreempted:    c.totalPreempted.Load(),
		ActiveCommands:    active,
	}
}

// CreateHealthReport judges the coordinator from its metrics.
func (c *Coordinator) CreateHealthReport() HealthReport {
	m := c.GetExecutionMetrics()
	report := HealthReport{
		Status:      HealthHealthy,
		Issues:      []string{},
		Metrics:     m,
		GeneratedAt: time.Now().UTC(),
	}
	degrade := func(issue string) {
		if report.Status == HealthHealthy {
			report.Status = HealthDegraded
		}
		report.Issues = append(report.Issues, issue)
	}

	if finished(m.Stats) >= healthMinFinished {
		switch {
		case m.SuccessRate < healthUnhealthyRate:
			report.Status = HealthUnhealthy
			report.Issues = append(report.Issues, fmt.Sprintf("success rate %.0f%% is below %.0f%%", m.SuccessRate*100, healthUnhealthyRate*100))
		case m.SuccessRate < healthDegradedRate:
			degrade(fmt.Sprintf("success rate %.0f%% is below %.0f%%", m.SuccessRate*100, healthDegradedRate*100))
		}
	}
	if m.Queued > healthQueueMultiplier*m.MaxConcurrent {
		degrade(fmt.Sprintf("%d commands queued with %d slots", m.Queued, m.MaxConcurrent))
	}
	if c.bus != nil && !c.bus.IsConnected() {
		degrade("event bus disconnected")
	}
	return report
}

// finished counts commands that ran to an outcome. Cancellations are left
// out since they say nothing about the tools themselves.
func finished(s models.CommandStats) int {
	return s.Successful + s.Failed + s.Errored
}

func successRate(s models.CommandStats) float64 {
	n := finished(s)
	if n == 0 {
		return 1
	}
	return float64(s.Successful) / float64(n)
}
