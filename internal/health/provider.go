package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"fleet-orchestrator/internal/models"
)

// Resource is a monitored endpoint: a proxy server, panel or gateway.
type Resource struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ResourcesFromConfig turns an id=url map into a stable, sorted resource list.
func ResourcesFromConfig(pairs map[string]string) []Resource {
	out := make([]Resource, 0, len(pairs))
	for id, url := range pairs {
		out = append(out, Resource{ID: id, URL: url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MetricsProvider collects raw metrics for one resource. Implementations must honour
// ctx; the monitor abandons calls that overrun their deadline anyway.
type MetricsProvider interface {
	Collect(ctx context.Context, r Resource) (map[string]float64, error)
}

// ProviderFunc adapts a function to MetricsProvider.
type ProviderFunc func(ctx context.Context, r Resource) (map[string]float64, error)

func (f ProviderFunc) Collect(ctx context.Context, r Resource) (map[string]float64, error) {
	return f(ctx, r)
}

// StaticProvider serves fixed metrics per resource ID. Unknown resources report nothing.
type StaticProvider map[string]map[string]float64

func (p StaticProvider) Collect(_ context.Context, r Resource) (map[string]float64, error) {
	out := make(map[string]float64, len(p[r.ID]))
	for k, v := range p[r.ID] {
		out[k] = v
	}
	return out, nil
}

const maxProbeBody = 64 << 10

// HTTPProbe issues a GET against the resource URL. Any 2xx within the deadline is
// success and yields response_time_ms. When the body is a JSON object, its numeric
// fields are merged in as metrics, which is how panels report cpu, memory and the like.
type HTTPProbe struct {
	client *http.Client
	now    func() time.Time
}

func NewHTTPProbe(client *http.Client) *HTTPProbe {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProbe{client: client, now: time.Now}
}

func (p *HTTPProbe) Collect(ctx context.Context, r Resource) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProbeFailed, r.ID, err)
	}
	req.Header.Set("Accept", "application/json")

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrProbeTimeout, r.ID)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrProbeFailed, r.ID, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	elapsed := p.now().Sub(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrProbeFailed, r.ID, resp.StatusCode)
	}

	metrics := map[string]float64{}
	var doc map[string]any
	if json.Unmarshal(body, &doc) == nil {
		for k, v := range doc {
			if f, ok := v.(float64); ok {
				metrics[k] = f
			}
		}
	}
	metrics[models.MetricResponseTime] = float64(elapsed.Milliseconds())
	return metrics, nil
}
