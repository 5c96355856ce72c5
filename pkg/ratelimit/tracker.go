package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for app-usage tracking.
var (
	graphAppUsagePercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graph_app_usage_percent",
		Help: "Current app-level usage percentage by dimension",
	}, []string{"dimension"})

	graphUsageBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_usage_blocks_total",
		Help: "Total requests blocked due to critical app usage",
	})

	graphUsageThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_usage_throttles_total",
		Help: "Total requests throttled due to elevated app usage",
	})
)

// StaleAfter is how long stored usage state stays authoritative. Beyond this
// the provider budget window has rolled over and the state no longer gates.
const StaleAfter = 5 * time.Minute

// Tracker monitors Graph app-usage and gates requests. State lives in Redis
// so every collector instance sees the same budget.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new app-usage tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// Current retrieves the usage state from Redis. Returns zero usage if no
// state exists yet or the stored state has gone stale.
func (t *Tracker) Current(ctx context.Context) (*Usage, error) {
	data, err := t.redis.Get(ctx, RedisKeyUsage).Bytes()
	if err == redis.Nil {
		return &Usage{UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get app usage: %w", err)
	}

	var usage Usage
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, fmt.Errorf("parse app usage: %w", err)
	}

	if usage.IsStale(StaleAfter) {
		t.logger.Debug().Time("updated_at", usage.UpdatedAt).Msg("App-usage state stale, treating as healthy")
		return &Usage{UpdatedAt: time.Now()}, nil
	}

	return &usage, nil
}

// UpdateFromHeaders parses the X-App-Usage header and stores the state.
// A missing header is not an error; not every endpoint reports usage.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	raw := headers.Get("X-App-Usage")
	if raw == "" {
		return nil
	}

	var usage Usage
	if err := json.Unmarshal([]byte(raw), &usage); err != nil {
		return fmt.Errorf("parse X-App-Usage header: %w", err)
	}
	usage.UpdatedAt = time.Now()

	data, err := json.Marshal(&usage)
	if err != nil {
		return fmt.Errorf("marshal app usage: %w", err)
	}
	if err := t.redis.Set(ctx, RedisKeyUsage, data, StaleAfter).Err(); err != nil {
		return fmt.Errorf("store app usage in redis: %w", err)
	}

	graphAppUsagePercent.WithLabelValues("call_count").Set(float64(usage.CallCount))
	graphAppUsagePercent.WithLabelValues("total_time").Set(float64(usage.TotalTime))
	graphAppUsagePercent.WithLabelValues("total_cputime").Set(float64(usage.TotalCPUTime))

	event := t.logger.Info()
	if usage.NeedsBlock() {
		event = t.logger.Error()
	} else if usage.NeedsThrottle() {
		event = t.logger.Warn()
	}
	event.
		Int("call_usage_pct", usage.CallCount).
		Int("time_usage_pct", usage.TotalTime).
		Int("cpu_usage_pct", usage.TotalCPUTime).
		Msg("App-usage state updated")

	return nil
}

// Allow checks whether a request should proceed. Returns false when usage is
// critical; sleeps one second when usage is elevated.
func (t *Tracker) Allow(ctx context.Context) (bool, error) {
	usage, err := t.Current(ctx)
	if err != nil {
		return false, fmt.Errorf("get app-usage state: %w", err)
	}

	if usage.NeedsBlock() {
		t.logger.Error().
			Int("usage_pct", usage.Max()).
			Msg("App usage critical, blocking request")
		graphUsageBlocksTotal.Inc()
		return false, nil
	}

	if usage.NeedsThrottle() {
		t.logger.Warn().
			Int("usage_pct", usage.Max()).
			Msg("App usage elevated, throttling request")
		graphUsageThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	return true, nil
}
