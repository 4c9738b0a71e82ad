package health

import (
	"fmt"
	"sort"
	"time"

	"fleet-orchestrator/internal/models"
)

// Threshold is a two-tier limit. A metric strictly above Warning raises a warning
// issue, strictly above Critical a critical one.
type Threshold struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Thresholds maps metric names to their limits. Metrics without an entry are
// recorded but never raise issues.
type Thresholds map[string]Threshold

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		models.MetricCPU:          {Warning: 80, Critical: 90},
		models.MetricMemory:       {Warning: 85, Critical: 95},
		models.MetricResponseTime: {Warning: 1000, Critical: 3000},
		models.MetricDisk:         {Warning: 85, Critical: 95},
		models.MetricBandwidth:    {Warning: 80, Critical: 95},
		models.MetricClients:      {Warning: 80, Critical: 95},
		models.MetricQueueDepth:   {Warning: 1000, Critical: 5000},
		models.MetricErrorRate:    {Warning: 0.05, Critical: 0.2},
		models.MetricDeadLetters:  {Warning: 10, Critical: 100},
	}
}

const (
	criticalPenalty = 20
	warningPenalty  = 10

	healthyAbove = 70
	warningAbove = 40
)

// Evaluate scores one resource from its raw metrics.
func (t Thresholds) Evaluate(resource string, metrics map[string]float64, at time.Time) models.HealthScore {
	var issues []models.Issue
	for name, v := range metrics {
		lim, ok := t[name]
		if !ok {
			continue
		}
		switch {
		case v > lim.Critical:
			issues = append(issues, models.Issue{
				Severity: models.SeverityCritical,
				Metric:   name,
				Message:  fmt.Sprintf("%s at %g exceeds critical threshold %g", name, v, lim.Critical),
			})
		case v > lim.Warning:
			issues = append(issues, models.Issue{
				Severity: models.SeverityWarning,
				Metric:   name,
				Message:  fmt.Sprintf("%s at %g exceeds warning threshold %g", name, v, lim.Warning),
			})
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Severity != issues[j].Severity {
			return issues[i].Severity == models.SeverityCritical
		}
		return issues[i].Metric < issues[j].Metric
	})

	score := 100
	status := models.HealthHealthy
	for _, is := range issues {
		if is.Severity == models.SeverityCritical {
			score -= criticalPenalty
			status = models.HealthUnhealthy
		} else {
			score -= warningPenalty
			if status == models.HealthHealthy {
				status = models.HealthWarning
			}
		}
	}
	return models.HealthScore{
		ResourceID: resource,
		Score:      max(score, 0),
		Status:     status,
		Issues:     issues,
		Metrics:    metrics,
		ComputedAt: at,
	}
}

// ProbeFailure is the score of a resource whose probe errored or timed out.
func ProbeFailure(resource string, cause error, at time.Time) models.HealthScore {
	msg := "probe failed"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return models.HealthScore{
		ResourceID: resource,
		Score:      0,
		Status:     models.HealthUnhealthy,
		Issues:     []models.Issue{{Severity: models.SeverityCritical, Message: msg}},
		ComputedAt: at,
	}
}

// FleetScore aggregates component statuses: 20 points off per unhealthy
// component, 10 per warning, clamped at zero. Unknown components cost nothing.
func FleetScore(statuses []models.HealthStatus) (int, models.HealthStatus) {
	score := 100
	for _, s := range statuses {
		switch s {
		case models.HealthUnhealthy:
			score -= criticalPenalty
		case models.HealthWarning:
			score -= warningPenalty
		}
	}
	score = max(score, 0)
	return score, statusFor(score)
}

func statusFor(score int) models.HealthStatus {
	switch {
	case score > healthyAbove:
		return models.HealthHealthy
	case score > warningAbove:
		return models.HealthWarning
	}
	return models.HealthUnhealthy
}
