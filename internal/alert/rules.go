package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"fleet-orchestrator/internal/cache"
	"fleet-orchestrator/internal/models"
)

var (
	ErrInvalidRule    = errors.New("alert: invalid rule")
	ErrUnknownChannel = errors.New("alert: unknown channel")
	ErrRuleNotFound   = errors.New("alert: rule not found")
)

func (e *Engine) validate(r models.AlertRule) (models.AlertRule, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" || strings.ContainsAny(r.Name, ": \t\n") {
		return r, fmt.Errorf("%w: name %q", ErrInvalidRule, r.Name)
	}
	if r.Metric == "" {
		return r, fmt.Errorf("%w: %s: metric is required", ErrInvalidRule, r.Name)
	}
	if !r.Comparison.Valid() {
		return r, fmt.Errorf("%w: %s: comparison %q", ErrInvalidRule, r.Name, r.Comparison)
	}
	switch r.Severity {
	case "":
		r.Severity = models.SeverityWarning
	case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
	default:
		return r, fmt.Errorf("%w: %s: severity %q", ErrInvalidRule, r.Name, r.Severity)
	}
	if r.Cooldown < 0 {
		return r, fmt.Errorf("%w: %s: negative cooldown", ErrInvalidRule, r.Name)
	}
	for _, ch := range r.Channels {
		if _, ok := e.sinks[ch]; !ok {
			return r, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
		}
	}
	return r, nil
}

// ConfigureRule validates and stores a rule, replacing any rule of the same name.
// Stored rules expire after the rule TTL unless configured again.
func (e *Engine) ConfigureRule(ctx context.Context, rule models.AlertRule) (models.AlertRule, error) {
	rule, err := e.validate(rule)
	if err != nil {
		return rule, err
	}
	rule.UpdatedAt = e.now().UTC()
	if err := e.rules.Set(ctx, rule.Name, rule, e.ruleTTL); err != nil {
		return rule, err
	}
	e.log.WithField("rule", rule.Name).Info("alert rule configured")
	return rule, nil
}

func (e *Engine) Rule(ctx context.Context, name string) (models.AlertRule, error) {
	r, err := e.rules.Get(ctx, name)
	if errors.Is(err, cache.ErrNotFound) {
		return r, ErrRuleNotFound
	}
	return r, err
}

func (e *Engine) DeleteRule(ctx context.Context, name string) error {
	if _, err := e.Rule(ctx, name); err != nil {
		return err
	}
	if err := e.rules.Delete(ctx, name); err != nil {
		return err
	}
	e.log.WithField("rule", name).Info("alert rule deleted")
	return nil
}

// Rules lists live rules sorted by name.
func (e *Engine) Rules(ctx context.Context) ([]models.AlertRule, error) {
	names, err := e.rules.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.AlertRule, 0, len(names))
	for _, name := range names {
		r, err := e.rules.Get(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
