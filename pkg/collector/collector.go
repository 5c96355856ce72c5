// Package collector orchestrates one page analysis run: required metadata
// retrieval, concurrent feed collection and metrics aggregation, then
// time-boxed batch enrichment, reconciled under a partial-success policy.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pagepulse/graph-collector/pkg/enrich"
	"github.com/pagepulse/graph-collector/pkg/feed"
	"github.com/pagepulse/graph-collector/pkg/graph"
	"github.com/pagepulse/graph-collector/pkg/insights"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var collectorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_runs_total",
	Help: "Total collection runs by outcome",
}, []string{"outcome"})

// metadataFields is the field list for the required page identity fetch.
const metadataFields = "id,name,category,fan_count,link"

// Collector turns one logical "analyze this page" request into a bounded set
// of network operations and reconciles their outcomes.
type Collector struct {
	feed     *feed.Collector
	insights *insights.Aggregator
	enricher *enrich.Enricher
	client   *graph.Client
	logger   zerolog.Logger
}

// New creates a collector on top of one request executor.
func New(client *graph.Client) *Collector {
	return &Collector{
		feed:     feed.NewCollector(client),
		insights: insights.New(client),
		enricher: enrich.New(client, enrich.DefaultConfig()),
		client:   client,
		logger:   log.With().Str("component", "collector").Logger(),
	}
}

// Collect runs the pipeline for one page. It never returns an error: every
// failure, including a panic below this boundary, is captured in the Result.
func (c *Collector) Collect(ctx context.Context, pageID, token string, opts Options) (result *Result) {
	result = &Result{}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("page_id", pageID).Interface("panic", r).
				Msg("Collection run panicked")
			result = &Result{
				Errors: []ComponentError{{
					Component:   ComponentMetadata,
					Message:     "internal error during collection",
					Recoverable: false,
				}},
			}
			collectorRunsTotal.WithLabelValues("panic").Inc()
		}
	}()

	c.logger.Info().Str("page_id", pageID).Msg("Collection run started")

	// Metadata is required: every downstream step needs the page's canonical
	// identity, so its failure is the only early exit.
	page, err := c.fetchMetadata(ctx, pageID, token)
	if err != nil {
		c.logger.Error().Err(err).Str("page_id", pageID).Msg("Metadata fetch failed, aborting run")
		result.Errors = append(result.Errors, ComponentError{
			Component:   ComponentMetadata,
			Message:     "page metadata unavailable: " + describe(err),
			Recoverable: false,
		})
		collectorRunsTotal.WithLabelValues("failed").Inc()
		return result
	}

	// Feed and metrics run concurrently and report independently: a metrics
	// failure never discards a successful feed.
	var (
		wg         sync.WaitGroup
		collection *feed.Collection
		feedErr    error
		metrics    *insights.PageMetrics
		metricSoft []insights.GroupError
		metricErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		collection, feedErr = c.feed.Collect(ctx, pageID, token, feed.Options{
			MaxItems:   opts.MaxItems,
			MaxPages:   opts.MaxPages,
			MaxAgeDays: opts.LookbackDays,
		})
	}()
	go func() {
		defer wg.Done()
		metrics, metricSoft, metricErr = c.insights.Fetch(ctx, pageID, token, opts.MetricsWindowDays)
	}()
	wg.Wait()

	if feedErr != nil {
		result.Errors = append(result.Errors, ComponentError{
			Component:   ComponentFeed,
			Message:     "feed collection failed: " + describe(feedErr),
			Recoverable: false,
		})
	}

	c.recordMetricFailures(result, metricErr, metricSoft)

	var items []feed.Item
	if collection != nil {
		items = collection.Items
	}

	if opts.Enrich && len(items) > 0 {
		c.enrichItems(ctx, items, token, opts, result)
	}

	if len(items) == 0 {
		if feedErr == nil {
			result.Errors = append(result.Errors, ComponentError{
				Component:   ComponentFeed,
				Message:     "no usable feed items collected",
				Recoverable: false,
			})
		}
		collectorRunsTotal.WithLabelValues("failed").Inc()
		c.logger.Warn().Str("page_id", pageID).Msg("Collection run produced no usable items")
		return result
	}

	result.Data = &CollectedData{
		Page:        page,
		Items:       items,
		Feed:        collection,
		Metrics:     metrics,
		CollectedAt: time.Now(),
	}
	result.Success = len(result.Errors) == 0
	result.PartialSuccess = !result.Success

	outcome := "success"
	if result.PartialSuccess {
		outcome = "partial"
	}
	collectorRunsTotal.WithLabelValues(outcome).Inc()

	c.logger.Info().
		Str("page_id", pageID).
		Int("items", len(items)).
		Int("errors", len(result.Errors)).
		Bool("success", result.Success).
		Msg("Collection run finished")

	return result
}

// fetchMetadata retrieves the page's canonical identity.
func (c *Collector) fetchMetadata(ctx context.Context, pageID, token string) (PageInfo, error) {
	params := url.Values{}
	params.Set("fields", metadataFields)

	raw, err := c.client.Get(ctx, pageID, params, token)
	if err != nil {
		return PageInfo{}, err
	}

	var page PageInfo
	if err := json.Unmarshal(raw, &page); err != nil {
		return PageInfo{}, fmt.Errorf("parse page metadata: %w", err)
	}
	if page.ID == "" {
		return PageInfo{}, fmt.Errorf("page metadata missing id")
	}
	return page, nil
}

// recordMetricFailures converts aggregator outcomes into component errors.
// Unsupported gaps are expected for small pages and logged without surfacing;
// a dead credential is not recoverable, everything else is.
func (c *Collector) recordMetricFailures(result *Result, fatal error, soft []insights.GroupError) {
	if fatal != nil {
		if graph.Unsupported(fatal) {
			c.logger.Info().Err(fatal).Msg("Page metrics not supported for this page")
			return
		}
		result.Errors = append(result.Errors, ComponentError{
			Component:   ComponentMetrics,
			Message:     "page metrics unavailable: " + describe(fatal),
			Recoverable: !graph.TokenExpired(fatal),
		})
		return
	}

	for _, gerr := range soft {
		if graph.Unsupported(gerr.Err) {
			c.logger.Info().Str("group", gerr.Group).Msg("Metric group not supported for this page")
			continue
		}
		result.Errors = append(result.Errors, ComponentError{
			Component:   ComponentMetrics,
			Message:     fmt.Sprintf("metric group %s unavailable: %s", gerr.Group, describe(gerr.Err)),
			Recoverable: true,
		})
	}
}

// enrichItems runs the enrichment stage under its own deadline and attaches
// the per-item results. Deadline overruns and group failures are recorded as
// one recoverable error; the run proceeds with unenriched items.
func (c *Collector) enrichItems(ctx context.Context, items []feed.Item, token string, opts Options, result *Result) {
	enrichCtx, cancel := context.WithTimeout(ctx, opts.EnrichTimeout)
	defer cancel()

	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}

	metrics, failures := c.enricher.Enrich(enrichCtx, ids, token)

	for i := range items {
		m, ok := metrics[items[i].ID]
		if !ok {
			continue
		}
		if m.Available {
			items[i].Metrics = m.Values
		} else {
			items[i].MetricsUnavailable = true
		}
	}

	if len(failures) > 0 {
		message := fmt.Sprintf("%d enrichment group(s) failed, affected items left unenriched", len(failures))
		if enrichCtx.Err() == context.DeadlineExceeded {
			message = "enrichment deadline exceeded, remaining items left unenriched"
		}
		result.Errors = append(result.Errors, ComponentError{
			Component:   ComponentEnrichment,
			Message:     message,
			Recoverable: true,
		})
	}
}
