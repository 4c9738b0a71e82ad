// Package metrics stores time-series health samples in hourly Redis buckets.
//
// Each (resource, metric, hour) bucket is a sorted set scored by sample time and expires
// one hour after the retention window, so storage stays bounded without a sweeper. Trim
// removes the out-of-window tail of buckets that are still alive.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/models"
)

var ErrUnavailable = errors.New("metrics: store unavailable")

const bucketLayout = "2006010215"

// Store records and queries health samples.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

type Option func(*Store)

func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetention sets how long samples are kept. Default 7 days.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		prefix:    "fleet",
		retention: 7 * 24 * time.Hour,
		now:       time.Now,
		log:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention is the configured sample lifetime.
func (s *Store) Retention() time.Duration { return s.retention }

func (s *Store) bucketKey(resource, metric string, at time.Time) string {
	return fmt.Sprintf("%s:metrics:%s:%s:%s", s.prefix, resource, metric, at.UTC().Format(bucketLayout))
}

func (s *Store) resourcesKey() string             { return s.prefix + ":metrics:resources" }
func (s *Store) namesKey(resource string) string  { return s.prefix + ":metrics:names:" + resource }
func (s *Store) latestKey(resource string) string { return s.prefix + ":metrics:latest:" + resource }

// Record stores one sample. A zero RecordedAt means now.
func (s *Store) Record(ctx context.Context, m models.HealthMetric) error {
	return s.RecordMany(ctx, m.ResourceID, map[string]float64{m.Name: m.Value}, m.RecordedAt)
}

// RecordMany stores several metrics of one resource taken at the same instant.
func (s *Store) RecordMany(ctx context.Context, resource string, values map[string]float64, at time.Time) error {
	if resource == "" {
		return fmt.Errorf("metrics: resource is required")
	}
	if len(values) == 0 {
		return nil
	}
	if at.IsZero() {
		at = s.now()
	}
	ms := at.UnixMilli()
	ttl := s.retention + time.Hour

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.resourcesKey(), resource)
	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		key := s.bucketKey(resource, name, at)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(ms), Member: member(ms, v)})
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, s.namesKey(resource), name)
		pipe.HSet(ctx, s.latestKey(resource), name, member(ms, v))
	}
	pipe.PExpire(ctx, s.namesKey(resource), ttl)
	pipe.PExpire(ctx, s.latestKey(resource), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

// clockSkew is how far ahead of the store's clock a sample may be stamped and still be
// returned by Query.
const clockSkew = time.Hour

// Query returns samples in [from, to], oldest first. The range is clamped to the
// retention window and never reaches further than clockSkew past now.
func (s *Store) Query(ctx context.Context, resource, metric string, from, to time.Time) ([]models.HealthMetric, error) {
	now := s.now()
	if floor := now.Add(-s.retention); from.Before(floor) {
		from = floor
	}
	if ceiling := now.Add(clockSkew); to.After(ceiling) {
		to = ceiling
	}
	if to.Before(from) {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	var cmds []*redis.StringSliceCmd
	for h := from.UTC().Truncate(time.Hour); !h.After(to); h = h.Add(time.Hour) {
		cmds = append(cmds, pipe.ZRangeByScore(ctx, s.bucketKey(resource, metric, h), &redis.ZRangeBy{
			Min: strconv.FormatInt(from.UnixMilli(), 10),
			Max: strconv.FormatInt(to.UnixMilli(), 10),
		}))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Join(ErrUnavailable, err)
	}

	var out []models.HealthMetric
	for _, cmd := range cmds {
		for _, raw := range cmd.Val() {
			ms, v, err := parseMember(raw)
			if err != nil {
				s.log.WithError(err).WithField("resource", resource).Warn("skipping malformed sample")
				continue
			}
			out = append(out, models.HealthMetric{ResourceID: resource, Name: metric, Value: v, RecordedAt: time.UnixMilli(ms).UTC()})
		}
	}
	return out, nil
}

// Latest returns the most recent sample of every metric of a resource.
func (s *Store) Latest(ctx context.Context, resource string) ([]models.HealthMetric, error) {
	h, err := s.client.HGetAll(ctx, s.latestKey(resource)).Result()
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	out := make([]models.HealthMetric, 0, len(h))
	for name, raw := range h {
		ms, v, err := parseMember(raw)
		if err != nil {
			continue
		}
		out = append(out, models.HealthMetric{ResourceID: resource, Name: name, Value: v, RecordedAt: time.UnixMilli(ms).UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Summary aggregates a series over a period.
type Summary struct {
	Resource string    `json:"resource"`
	Metric   string    `json:"metric"`
	Count    int       `json:"count"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Avg      float64   `json:"avg"`
	Last     float64   `json:"last"`
	LastAt   time.Time `json:"last_at"`
}

// Summarize computes min/max/avg/last over [from, to].
func (s *Store) Summarize(ctx context.Context, resource, metric string, from, to time.Time) (Summary, error) {
	samples, err := s.Query(ctx, resource, metric, from, to)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Resource: resource, Metric: metric, Count: len(samples)}
	if len(samples) == 0 {
		return sum, nil
	}
	sum.Min, sum.Max = math.Inf(1), math.Inf(-1)
	var total float64
	for _, m := range samples {
		sum.Min = math.Min(sum.Min, m.Value)
		sum.Max = math.Max(sum.Max, m.Value)
		total += m.Value
	}
	sum.Avg = total / float64(len(samples))
	last := samples[len(samples)-1]
	sum.Last, sum.LastAt = last.Value, last.RecordedAt
	return sum, nil
}

// Resources lists every resource that has reported a sample.
func (s *Store) Resources(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.resourcesKey()).Result()
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Metrics lists the metric names recorded for a resource.
func (s *Store) Metrics(ctx context.Context, resource string) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey(resource)).Result()
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	sort.Strings(names)
	return names, nil
}

// Trim drops samples older than the retention window from buckets that have not
// expired yet, and returns how many were removed.
func (s *Store) Trim(ctx context.Context) (int64, error) {
	resources, err := s.Resources(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.retention)
	bound := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	edge := cutoff.UTC().Truncate(time.Hour)

	var removed int64
	for _, resource := range resources {
		names, err := s.Metrics(ctx, resource)
		if err != nil {
			return removed, err
		}
		if len(names) == 0 {
			// Nothing left for this resource: forget it.
			if err := s.client.SRem(ctx, s.resourcesKey(), resource).Err(); err != nil {
				return removed, errors.Join(ErrUnavailable, err)
			}
			continue
		}
		pipe := s.client.Pipeline()
		var cmds []*redis.IntCmd
		for _, name := range names {
			for _, h := range []time.Time{edge.Add(-time.Hour), edge} {
				cmds = append(cmds, pipe.ZRemRangeByScore(ctx, s.bucketKey(resource, name, h), "-inf", bound))
			}
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return removed, errors.Join(ErrUnavailable, err)
		}
		for _, c := range cmds {
			removed += c.Val()
		}
	}
	if removed > 0 {
		s.log.WithField("count", removed).Debug("trimmed expired samples")
	}
	return removed, nil
}

func member(ms int64, v float64) string {
	return strconv.FormatInt(ms, 10) + ":" + strconv.FormatFloat(v, 'g', -1, 64)
}

func parseMember(raw string) (int64, float64, error) {
	msPart, vPart, ok := strings.Cut(raw, ":")
	if !ok {
		return 0, 0, fmt.Errorf("metrics: malformed sample %q", raw)
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("metrics: malformed sample %q: %w", raw, err)
	}
	v, err := strconv.ParseFloat(vPart, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("metrics: malformed sample %q: %w", raw, err)
	}
	return ms, v, nil
}
