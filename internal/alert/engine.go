// Package alert evaluates operator-configured rules against health snapshots and
// notifies channels when a condition starts (and optionally stops) holding.
//
// State lives in Redis: one active-event key and one cooldown marker per
// (rule, resource). Opening an event is a single script so concurrent evaluators
// can never both dispatch the same alert.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"fleet-orchestrator/internal/cache"
	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/telemetry"
)

var ErrUnavailable = errors.New("alert: store unavailable")

// Archive keeps alert events beyond the capped Redis history.
type Archive interface {
	InsertAlertEvent(ctx context.Context, e models.AlertEvent) error
	ResolveAlertEvent(ctx context.Context, id string, at time.Time) error
}

// Engine owns rule configuration and alert state.
type Engine struct {
	client     redis.UniversalClient
	prefix     string
	ruleTTL    time.Duration
	historyCap int64
	rules      *cache.Redis[models.AlertRule]
	sinks      map[string]Sink
	breakers   map[string]*gobreaker.CircuitBreaker
	archive    Archive
	now        func() time.Time
	log        logrus.FieldLogger
}

type Option func(*Engine)

func WithKeyPrefix(prefix string) Option {
	return func(e *Engine) {
		if prefix != "" {
			e.prefix = prefix
		}
	}
}

// WithRuleTTL sets how long a configured rule lives. Default 30 days.
func WithRuleTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ruleTTL = d
		}
	}
}

func WithHistoryCap(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyCap = n
		}
	}
}

// WithSink registers a notification channel.
func WithSink(channel string, s Sink) Option {
	return func(e *Engine) {
		if channel != "" && s != nil {
			e.sinks[channel] = s
		}
	}
}

func WithArchive(a Archive) Option {
	return func(e *Engine) { e.archive = a }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func NewEngine(client redis.UniversalClient, opts ...Option) *Engine {
	e := &Engine{
		client:     client,
		prefix:     "fleet",
		ruleTTL:    30 * 24 * time.Hour,
		historyCap: 1000,
		sinks:      map[string]Sink{},
		breakers:   map[string]*gobreaker.CircuitBreaker{},
		now:        time.Now,
		log:        logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules = cache.NewRedis[models.AlertRule](client, e.prefix+":alert:rule", e.ruleTTL)
	for ch := range e.sinks {
		e.breakers[ch] = newBreaker(ch)
	}
	return e
}

func newBreaker(channel string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        channel,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Channels lists registered channel names.
func (e *Engine) Channels() []string {
	out := make([]string, 0, len(e.sinks))
	for ch := range e.sinks {
		out = append(out, ch)
	}
	return out
}

func (e *Engine) activeKey(rule, resource string) string {
	return fmt.Sprintf("%s:alert:active:%s:%s", e.prefix, rule, resource)
}

func (e *Engine) cooldownKey(rule, resource string) string {
	return fmt.Sprintf("%s:alert:cooldown:%s:%s", e.prefix, rule, resource)
}

func (e *Engine) historyKey() string { return e.prefix + ":alert:history" }

// Result lists what one evaluation changed.
type Result struct {
	Fired    []models.AlertEvent
	Resolved []models.AlertEvent
}

// OnSnapshot evaluates every rule against a fresh snapshot.
func (e *Engine) OnSnapshot(ctx context.Context, snap models.HealthSnapshot) {
	if _, err := e.Evaluate(ctx, snap); err != nil {
		e.log.WithError(err).Error("alert evaluation failed")
	}
}

// Evaluate checks every enabled rule against every matching score in the snapshot.
// A metric missing from a resource neither fires nor resolves its alert. A rule that
// cannot be settled is logged and skipped; its error is joined into the returned one.
func (e *Engine) Evaluate(ctx context.Context, snap models.HealthSnapshot) (Result, error) {
	rules, err := e.Rules(ctx)
	if err != nil {
		return Result{}, err
	}
	var res Result
	var errs []error
	scores := snap.Scores()
	for _, rule := range rules {
		if rule.Disabled {
			continue
		}
		for _, s := range scores {
			if rule.Resource != "" && rule.Resource != s.ResourceID {
				continue
			}
			value, ok := valueOf(s, rule.Metric)
			if !ok {
				continue
			}
			if rule.Comparison.Holds(value, rule.Threshold) {
				ev, fired, err := e.fire(ctx, rule, s.ResourceID, value)
				if err != nil {
					e.log.WithError(err).WithFields(logrus.Fields{"rule": rule.Name, "resource": s.ResourceID}).Error("alert fire failed")
					errs = append(errs, fmt.Errorf("rule %s on %s: %w", rule.Name, s.ResourceID, err))
					continue
				}
				if fired {
					res.Fired = append(res.Fired, ev)
				}
				continue
			}
			ev, resolved, err := e.resolve(ctx, rule, s.ResourceID)
			if err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{"rule": rule.Name, "resource": s.ResourceID}).Error("alert resolve failed")
				errs = append(errs, fmt.Errorf("rule %s on %s: %w", rule.Name, s.ResourceID, err))
				continue
			}
			if resolved {
				res.Resolved = append(res.Resolved, ev)
			}
		}
	}
	return res, errors.Join(errs...)
}

func valueOf(s models.HealthScore, metric string) (float64, bool) {
	switch metric {
	case models.MetricScore:
		return float64(s.Score), true
	case models.MetricStatus:
		lvl := s.Status.Level()
		return lvl, lvl >= 0
	}
	v, ok := s.Metrics[metric]
	return v, ok
}

func (e *Engine) fire(ctx context.Context, rule models.AlertRule, resource string, value float64) (models.AlertEvent, bool, error) {
	ev := models.AlertEvent{
		ID:         uuid.NewString(),
		Rule:       rule.Name,
		ResourceID: resource,
		Metric:     rule.Metric,
		Value:      value,
		Threshold:  rule.Threshold,
		Severity:   rule.Severity,
		Message:    fmt.Sprintf("%s on %s is %g (%s %g)", rule.Metric, resource, value, rule.Comparison, rule.Threshold),
		FiredAt:    e.now().UTC(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return ev, false, err
	}
	won, err := fireScript.Run(ctx, e.client,
		[]string{e.activeKey(rule.Name, resource), e.cooldownKey(rule.Name, resource), e.historyKey()},
		string(raw), rule.Cooldown.Milliseconds(), e.ruleTTL.Milliseconds(), e.historyCap,
	).Int()
	if err != nil {
		return ev, false, errors.Join(ErrUnavailable, err)
	}
	if won == 0 {
		return ev, false, nil
	}

	telemetry.AlertsFired.WithLabelValues(rule.Name, string(rule.Severity)).Inc()
	e.log.WithFields(logrus.Fields{"rule": rule.Name, "resource": resource, "value": value}).Warn("alert fired")
	if e.archive != nil {
		if err := e.archive.InsertAlertEvent(ctx, ev); err != nil {
			e.log.WithError(err).WithField("rule", rule.Name).Warn("archiving alert failed")
		}
	}
	e.dispatch(ctx, rule, ev)
	return ev, true, nil
}

func (e *Engine) resolve(ctx context.Context, rule models.AlertRule, resource string) (models.AlertEvent, bool, error) {
	raw, err := resolveScript.Run(ctx, e.client, []string{e.activeKey(rule.Name, resource)}).Text()
	if errors.Is(err, redis.Nil) {
		return models.AlertEvent{}, false, nil
	}
	if err != nil {
		return models.AlertEvent{}, false, errors.Join(ErrUnavailable, err)
	}
	var ev models.AlertEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, false, fmt.Errorf("alert: decode active event: %w", err)
	}
	at := e.now().UTC()
	ev.ResolvedAt = &at

	if err := e.push(ctx, ev); err != nil {
		e.log.WithError(err).WithField("rule", rule.Name).Warn("recording resolution failed")
	}
	telemetry.AlertsResolved.WithLabelValues(rule.Name).Inc()
	e.log.WithFields(logrus.Fields{"rule": rule.Name, "resource": resource}).Info("alert resolved")
	if e.archive != nil {
		if err := e.archive.ResolveAlertEvent(ctx, ev.ID, at); err != nil {
			e.log.WithError(err).WithField("rule", rule.Name).Warn("archiving resolution failed")
		}
	}
	if rule.NotifyResolved {
		e.dispatch(ctx, rule, ev)
	}
	return ev, true, nil
}

// dispatch delivers to every channel of the rule. Failures are logged and counted,
// never retried.
func (e *Engine) dispatch(ctx context.Context, rule models.AlertRule, ev models.AlertEvent) {
	for _, ch := range rule.Channels {
		log := e.log.WithFields(logrus.Fields{"rule": rule.Name, "channel": ch})
		sink, ok := e.sinks[ch]
		if !ok {
			telemetry.DispatchFailures.WithLabelValues(ch).Inc()
			log.WithError(ErrUnknownChannel).Warn("dropping notification")
			continue
		}
		_, err := e.breakers[ch].Execute(func() (any, error) {
			return nil, sink.Dispatch(ctx, ev, ch)
		})
		if err != nil {
			telemetry.DispatchFailures.WithLabelValues(ch).Inc()
			log.WithError(err).Warn("notification failed")
		}
	}
}
