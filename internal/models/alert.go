package models

import "time"

// Comparison is the operator an alert rule applies between a value and its threshold.
type Comparison string

const (
	CompareGT  Comparison = "gt"
	CompareGTE Comparison = "gte"
	CompareLT  Comparison = "lt"
	CompareLTE Comparison = "lte"
	CompareEQ  Comparison = "eq"
)

// Valid reports whether c is a known comparison.
func (c Comparison) Valid() bool {
	switch c {
	case CompareGT, CompareGTE, CompareLT, CompareLTE, CompareEQ:
		return true
	}
	return false
}

// Holds evaluates value against threshold.
func (c Comparison) Holds(value, threshold float64) bool {
	switch c {
	case CompareGT:
		return value > threshold
	case CompareGTE:
		return value >= threshold
	case CompareLT:
		return value < threshold
	case CompareLTE:
		return value <= threshold
	case CompareEQ:
		return value == threshold
	}
	return false
}

// AlertRule is an operator-configured threshold on a metric or score.
type AlertRule struct {
	Name       string        `json:"name"`
	Metric     string        `json:"metric"`
	Resource   string        `json:"resource,omitempty"` // empty matches every resource
	Comparison Comparison    `json:"comparison"`
	Threshold  float64       `json:"threshold"`
	Severity   Severity      `json:"severity"`
	Cooldown   time.Duration `json:"cooldown"`
	Channels   []string      `json:"channels"`
	// NotifyResolved sends a second notification when the condition clears.
	NotifyResolved bool      `json:"notify_resolved,omitempty"`
	Disabled       bool      `json:"disabled,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AlertEvent records one firing of a rule for one resource.
type AlertEvent struct {
	ID         string     `json:"id"`
	Rule       string     `json:"rule"`
	ResourceID string     `json:"resource_id"`
	Metric     string     `json:"metric"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the event has been closed.
func (e AlertEvent) Resolved() bool {
	return e.ResolvedAt != nil
}
