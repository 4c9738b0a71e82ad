package models

import "time"

// Metric names recorded by the health monitor.
const (
	MetricCPU          = "cpu"
	MetricMemory       = "memory"
	MetricDisk         = "disk"
	MetricResponseTime = "response_time_ms"
	MetricBandwidth    = "bandwidth_pct"
	MetricClients      = "client_pct"
	MetricQueueDepth   = "queue_depth"
	MetricErrorRate    = "error_rate"
	MetricDeadLetters  = "dead_letters"
	MetricRunning      = "running"

	// Derived values written next to the raw metrics.
	MetricScore  = "score"
	MetricStatus = "status"
)

// Pseudo-resources carrying aggregate scores.
const (
	ResourceFleet = "fleet"
	ResourceQueue = "queue"
)

// HealthStatus is the evaluated state of a resource.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Level maps a status onto a number usable in alert rules and stored series.
func (s HealthStatus) Level() float64 {
	switch s {
	case HealthHealthy:
		return 0
	case HealthWarning:
		return 1
	case HealthUnhealthy:
		return 2
	}
	return -1
}

// Severity tags an individual health issue or an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// HealthMetric is one raw or derived sample.
type HealthMetric struct {
	ResourceID string    `json:"resource_id"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Issue is a severity-tagged finding attached to a health score.
type Issue struct {
	Severity Severity `json:"severity"`
	Metric   string   `json:"metric,omitempty"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return string(i.Severity) + ": " + i.Message
}

// HealthScore is the evaluation of one resource at one poll.
type HealthScore struct {
	ResourceID string             `json:"resource_id"`
	Score      int                `json:"score"`
	Status     HealthStatus       `json:"status"`
	Issues     []Issue            `json:"issues"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	ComputedAt time.Time          `json:"computed_at"`
}

// HealthSnapshot is the full output of one monitor poll.
type HealthSnapshot struct {
	Resources  map[string]HealthScore `json:"resources"`
	Fleet      HealthScore            `json:"fleet"`
	Queue      *HealthScore           `json:"queue,omitempty"`
	ComputedAt time.Time              `json:"computed_at"`
}

// Scores returns every score in the snapshot, pseudo-resources included.
func (s HealthSnapshot) Scores() []HealthScore {
	out := make([]HealthScore, 0, len(s.Resources)+2)
	for _, sc := range s.Resources {
		out = append(out, sc)
	}
	if s.Fleet.ResourceID != "" {
		out = append(out, s.Fleet)
	}
	if s.Queue != nil {
		out = append(out, *s.Queue)
	}
	return out
}
