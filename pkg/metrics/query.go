package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ProviderThroughput is the dispatch activity of one provider over a window.
type ProviderThroughput struct {
	Provider   string             `json:"provider"`
	Window     time.Duration      `json:"window"`
	ByOutcome  map[string]float64 `json:"by_outcome"`
	P95Latency float64            `json:"p95_latency_seconds"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	queryAPI v1.API
	now      func() time.Time
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		queryAPI: v1.NewAPI(client),
		now:      time.Now,
	}, nil
}

// DispatchThroughput returns per-provider dispatch counts and p95 transport
// latency over the trailing window.
func (q *QueryService) DispatchThroughput(ctx context.Context, window time.Duration) (map[string]*ProviderThroughput, error) {
	rangeSel := model.Duration(window).String()
	result := make(map[string]*ProviderThroughput)

	get := func(provider string) *ProviderThroughput {
		pt, ok := result[provider]
		if !ok {
			pt = &ProviderThroughput{Provider: provider, Window: window, ByOutcome: make(map[string]float64)}
			result[provider] = pt
		}
		return pt
	}

	countQuery := fmt.Sprintf(`sum by (provider, outcome) (increase(fleet_queue_dispatch_total[%s]))`, rangeSel)
	vector, err := q.vector(ctx, countQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch counts: %w", err)
	}
	for _, sample := range vector {
		pt := get(string(sample.Metric["provider"]))
		pt.ByOutcome[string(sample.Metric["outcome"])] = float64(sample.Value)
	}

	latencyQuery := fmt.Sprintf(
		`histogram_quantile(0.95, sum by (provider, le) (rate(fleet_queue_dispatch_duration_seconds_bucket[%s])))`, rangeSel)
	vector, err = q.vector(ctx, latencyQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch latency: %w", err)
	}
	for _, sample := range vector {
		get(string(sample.Metric["provider"])).P95Latency = float64(sample.Value)
	}

	return result, nil
}

// QuotaUsage returns the latest governing usage percent per provider/project.
func (q *QueryService) QuotaUsage(ctx context.Context, provider string) (map[string]float64, error) {
	vector, err := q.vector(ctx, fmt.Sprintf(`fleet_quota_usage_percent{provider=%q}`, provider))
	if err != nil {
		return nil, fmt.Errorf("failed to query quota usage for provider %s: %w", provider, err)
	}
	out := make(map[string]float64, len(vector))
	for _, sample := range vector {
		out[string(sample.Metric["project"])] = float64(sample.Value)
	}
	return out, nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	res, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return nil, err
	}
	vector, ok := res.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", res.Type())
	}
	return vector, nil
}
