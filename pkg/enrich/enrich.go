// Package enrich attaches per-post insight metrics in fixed-size batch
// requests. Groups run one at a time to respect provider quotas, and one
// group's failure never aborts its siblings.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pagepulse/graph-collector/pkg/graph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	enrichGroupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_groups_total",
		Help: "Total batch enrichment groups by outcome",
	}, []string{"outcome"})

	enrichItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_items_total",
		Help: "Total enriched items by outcome",
	}, []string{"outcome"})
)

// DefaultGroupSize is the provider's batch request limit.
const DefaultGroupSize = 50

// Config holds enrichment configuration.
type Config struct {
	// GroupSize is how many sub-requests travel in one batch call.
	GroupSize int

	// Metrics are the per-post insight metric names requested for each item.
	Metrics []string

	// RequestInterval paces consecutive batch groups.
	RequestInterval time.Duration
}

// DefaultConfig returns the default enrichment configuration.
func DefaultConfig() Config {
	return Config{
		GroupSize: DefaultGroupSize,
		Metrics: []string{
			"post_impressions",
			"post_impressions_unique",
			"post_engaged_users",
			"post_clicks",
			"post_reactions_by_type_total",
		},
		RequestInterval: 1 * time.Second,
	}
}

// ItemMetrics is the per-item entry of the enrichment map: either parsed
// values or an explicit unavailable marker, never absence. Callers can always
// distinguish "we asked and it failed" from "we never asked."
type ItemMetrics struct {
	Available bool
	Values    map[string]float64
}

// Unavailable is the marker for an item whose metrics could not be obtained.
var Unavailable = ItemMetrics{}

// Enricher runs the batch enrichment stage.
type Enricher struct {
	client  *graph.Client
	config  Config
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates an enricher.
func New(client *graph.Client, cfg Config) *Enricher {
	if cfg.GroupSize <= 0 || cfg.GroupSize > DefaultGroupSize {
		cfg.GroupSize = DefaultGroupSize
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = DefaultConfig().Metrics
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = 1 * time.Second
	}

	return &Enricher{
		client:  client,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
		logger:  log.With().Str("component", "enricher").Logger(),
	}
}

// batchRequest is one sub-request of a combined batch call.
type batchRequest struct {
	Method      string `json:"method"`
	RelativeURL string `json:"relative_url"`
	Name        string `json:"name"`
}

// batchReply is one positional entry of the combined response. Entries can be
// null when the provider times a sub-request out.
type batchReply struct {
	Code int    `json:"code"`
	Body string `json:"body"`
}

// Enrich returns a metrics map covering every input identifier exactly once.
// Identifiers are assumed unique; de-duplication is the caller's concern.
// Group failures are returned for the caller's partial-success accounting and
// never abort the remaining groups.
func (e *Enricher) Enrich(ctx context.Context, ids []string, token string) (map[string]ItemMetrics, []error) {
	result := make(map[string]ItemMetrics, len(ids))
	var failures []error

	for start := 0; start < len(ids); start += e.config.GroupSize {
		end := start + e.config.GroupSize
		if end > len(ids) {
			end = len(ids)
		}
		group := ids[start:end]
		groupIdx := start / e.config.GroupSize

		if err := e.limiter.Wait(ctx); err != nil {
			// Deadline hit between groups: everything not yet asked for is
			// marked unavailable and reported once.
			for _, id := range ids[start:] {
				result[id] = Unavailable
			}
			failures = append(failures, fmt.Errorf("enrichment deadline before group %d: %w", groupIdx, err))
			break
		}

		e.enrichGroup(ctx, group, groupIdx, token, result, &failures)
	}

	return result, failures
}

// enrichGroup issues one combined request and maps each positional
// sub-response back to its originating identifier.
func (e *Enricher) enrichGroup(ctx context.Context, group []string, groupIdx int, token string, result map[string]ItemMetrics, failures *[]error) {
	// Every id gets a marker up front so group failure paths stay covered.
	for _, id := range group {
		result[id] = Unavailable
	}

	subs := make([]batchRequest, 0, len(group))
	for _, id := range group {
		subs = append(subs, batchRequest{
			Method:      "GET",
			RelativeURL: fmt.Sprintf("%s/insights/%s", id, joinMetrics(e.config.Metrics)),
			Name:        id,
		})
	}

	encoded, err := json.Marshal(subs)
	if err != nil {
		*failures = append(*failures, fmt.Errorf("encode batch group %d: %w", groupIdx, err))
		enrichGroupsTotal.WithLabelValues("encode_error").Inc()
		return
	}

	form := url.Values{}
	form.Set("batch", string(encoded))
	form.Set("include_headers", "false")

	raw, err := e.client.PostForm(ctx, "", form, token)
	if err != nil {
		e.logger.Warn().Err(err).Int("group", groupIdx).Int("size", len(group)).
			Msg("Batch group failed, continuing with next group")
		*failures = append(*failures, fmt.Errorf("batch group %d: %w", groupIdx, err))
		enrichGroupsTotal.WithLabelValues("failed").Inc()
		enrichItemsTotal.WithLabelValues("unavailable").Add(float64(len(group)))
		return
	}

	var replies []*batchReply
	if err := json.Unmarshal(raw, &replies); err != nil {
		e.logger.Warn().Err(err).Int("group", groupIdx).Msg("Unparsable batch response")
		*failures = append(*failures, fmt.Errorf("parse batch group %d: %w", groupIdx, err))
		enrichGroupsTotal.WithLabelValues("failed").Inc()
		enrichItemsTotal.WithLabelValues("unavailable").Add(float64(len(group)))
		return
	}

	if len(replies) != len(group) {
		e.logger.Warn().
			Int("group", groupIdx).
			Int("submitted", len(group)).
			Int("returned", len(replies)).
			Msg("Batch response length mismatch, mapping by position")
	}

	for i, id := range group {
		if i >= len(replies) {
			enrichItemsTotal.WithLabelValues("unavailable").Inc()
			continue
		}
		reply := replies[i]
		if reply == nil || reply.Code != 200 {
			enrichItemsTotal.WithLabelValues("unavailable").Inc()
			continue
		}
		values, err := parseInsightsBody(reply.Body)
		if err != nil {
			e.logger.Debug().Err(err).Str("post_id", id).Msg("Unparsable insights sub-response")
			enrichItemsTotal.WithLabelValues("unavailable").Inc()
			continue
		}
		result[id] = ItemMetrics{Available: true, Values: values}
		enrichItemsTotal.WithLabelValues("ok").Inc()
	}

	enrichGroupsTotal.WithLabelValues("ok").Inc()
}

// parseInsightsBody extracts metric values from one sub-response body.
// Scalar values are kept as-is; keyed breakdowns are flattened into synthetic
// metricName_subKey entries.
func parseInsightsBody(body string) (map[string]float64, error) {
	var payload struct {
		Data []struct {
			Name   string `json:"name"`
			Values []struct {
				Value json.RawMessage `json:"value"`
			} `json:"values"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("parse insights body: %w", err)
	}

	values := make(map[string]float64)
	for _, metric := range payload.Data {
		if len(metric.Values) == 0 {
			continue
		}
		raw := metric.Values[0].Value

		var scalar float64
		if err := json.Unmarshal(raw, &scalar); err == nil {
			values[metric.Name] = scalar
			continue
		}

		var breakdown map[string]float64
		if err := json.Unmarshal(raw, &breakdown); err == nil {
			for sub, v := range breakdown {
				values[metric.Name+"_"+sub] = v
			}
		}
	}
	return values, nil
}

func joinMetrics(metrics []string) string {
	return strings.Join(metrics, ",")
}
