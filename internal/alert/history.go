package alert

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"fleet-orchestrator/internal/models"
)

// push appends a state change to the capped history list.
func (e *Engine) push(ctx context.Context, ev models.AlertEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := e.client.TxPipeline()
	pipe.LPush(ctx, e.historyKey(), raw)
	pipe.LTrim(ctx, e.historyKey(), 0, e.historyCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

// History returns up to limit events, newest first. The list records firings and
// resolutions separately; each event appears once in its latest state.
func (e *Engine) History(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	events, err := e.readHistory(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Events returns events fired within [from, to], newest first.
func (e *Engine) Events(ctx context.Context, from, to time.Time) ([]models.AlertEvent, error) {
	events, err := e.readHistory(ctx)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, ev := range events {
		if !ev.FiredAt.Before(from) && !ev.FiredAt.After(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Active returns events that have fired and not resolved yet.
func (e *Engine) Active(ctx context.Context) ([]models.AlertEvent, error) {
	events, err := e.readHistory(ctx)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, ev := range events {
		if !ev.Resolved() {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (e *Engine) readHistory(ctx context.Context) ([]models.AlertEvent, error) {
	raws, err := e.client.LRange(ctx, e.historyKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	seen := make(map[string]bool, len(raws))
	out := make([]models.AlertEvent, 0, len(raws))
	for _, raw := range raws {
		var ev models.AlertEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			e.log.WithError(err).Warn("skipping malformed alert history entry")
			continue
		}
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	return out, nil
}
