// Package insights aggregates page-level metrics from three independently
// fallible metric groups: a window-bounded daily series, a lifetime fan
// snapshot, and a rolling reaction-type breakdown. Whatever subset succeeds
// is merged into one record; every field is independently nullable, and a nil
// field means that group failed or was unavailable, not zero.
package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pagepulse/graph-collector/pkg/graph"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Metric names per group.
const (
	metricImpressions        = "page_impressions"
	metricImpressionsOrganic = "page_impressions_organic"
	metricImpressionsPaid    = "page_impressions_paid"
	metricEngagedUsers       = "page_engaged_users"
	metricPostEngagements    = "page_post_engagements"
	metricViews              = "page_views_total"
	metricFanAdds            = "page_fan_adds"
	metricFanRemoves         = "page_fan_removes"
	metricFans               = "page_fans"
	metricReactionBreakdown  = "page_actions_post_reactions_total"
)

var dailyMetrics = []string{
	metricImpressions,
	metricImpressionsOrganic,
	metricImpressionsPaid,
	metricEngagedUsers,
	metricPostEngagements,
	metricViews,
	metricFanAdds,
	metricFanRemoves,
}

// TimePoint is one day of a per-day series.
type TimePoint struct {
	Date  time.Time
	Value float64
}

// PageMetrics is the merged metrics record. Window-bounded counters are sums
// over the requested window; FanCount is point-in-time; FanAdds/FanRemoves
// are deltas over the window.
type PageMetrics struct {
	Impressions        *int64
	ImpressionsOrganic *int64
	ImpressionsPaid    *int64
	EngagedUsers       *int64
	PostEngagements    *int64
	Views              *int64
	FanCount           *int64
	FanAdds            *int64
	FanRemoves         *int64
	ReactionBreakdown  map[string]int64
	Daily              map[string][]TimePoint
	WindowDays         int
}

// GroupError records an optional metric group that failed. The classified
// cause stays attached so the orchestrator can decide whether the gap is
// user-visible (permission) or expected (unsupported).
type GroupError struct {
	Group string
	Err   error
}

func (g GroupError) Error() string {
	return fmt.Sprintf("metric group %s: %v", g.Group, g.Err)
}

func (g GroupError) Unwrap() error {
	return g.Err
}

// Aggregator fetches and merges the three metric groups.
type Aggregator struct {
	client *graph.Client
	logger zerolog.Logger
}

// New creates an aggregator.
func New(client *graph.Client) *Aggregator {
	return &Aggregator{
		client: client,
		logger: log.With().Str("component", "insights-aggregator").Logger(),
	}
}

// Fetch returns the merged record for the page over the given window. The
// daily-series group failing is fatal and returns its classified error; the
// fan snapshot and reaction breakdown failing leave their fields nil and are
// reported as soft GroupErrors alongside a still-usable record.
func (a *Aggregator) Fetch(ctx context.Context, pageID, token string, windowDays int) (*PageMetrics, []GroupError, error) {
	record := &PageMetrics{
		Daily:      make(map[string][]TimePoint),
		WindowDays: windowDays,
	}
	var soft []GroupError

	if err := a.fetchDaily(ctx, pageID, token, windowDays, record); err != nil {
		return nil, nil, fmt.Errorf("daily metric group: %w", err)
	}

	if err := a.fetchFanCount(ctx, pageID, token, record); err != nil {
		a.logger.Warn().Err(err).Str("page_id", pageID).Msg("Fan snapshot group unavailable")
		soft = append(soft, GroupError{Group: "fan_snapshot", Err: err})
	}

	if err := a.fetchReactionBreakdown(ctx, pageID, token, record); err != nil {
		a.logger.Warn().Err(err).Str("page_id", pageID).Msg("Reaction breakdown group unavailable")
		soft = append(soft, GroupError{Group: "reaction_breakdown", Err: err})
	}

	return record, soft, nil
}

// insightsPayload is the provider shape for an insights response.
type insightsPayload struct {
	Data []struct {
		Name   string `json:"name"`
		Values []struct {
			Value   json.RawMessage `json:"value"`
			EndTime string          `json:"end_time"`
		} `json:"values"`
	} `json:"data"`
}

const endTimeLayout = "2006-01-02T15:04:05-0700"

// fetchDaily retrieves the window-bounded daily series, summing each counter
// and retaining its per-day series.
func (a *Aggregator) fetchDaily(ctx context.Context, pageID, token string, windowDays int, record *PageMetrics) error {
	now := time.Now()
	params := url.Values{}
	params.Set("metric", strings.Join(dailyMetrics, ","))
	params.Set("period", "day")
	params.Set("since", strconv.FormatInt(now.AddDate(0, 0, -windowDays).Unix(), 10))
	params.Set("until", strconv.FormatInt(now.Unix(), 10))

	raw, err := a.client.Get(ctx, pageID+"/insights", params, token)
	if err != nil {
		return err
	}

	var payload insightsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse daily insights: %w", err)
	}

	for _, metric := range payload.Data {
		var sum int64
		var series []TimePoint
		for _, point := range metric.Values {
			var v float64
			if err := json.Unmarshal(point.Value, &v); err != nil {
				continue
			}
			sum += int64(v)
			date, err := time.Parse(endTimeLayout, point.EndTime)
			if err == nil {
				series = append(series, TimePoint{Date: date, Value: v})
			}
		}
		record.Daily[metric.Name] = series
		total := sum
		switch metric.Name {
		case metricImpressions:
			record.Impressions = &total
		case metricImpressionsOrganic:
			record.ImpressionsOrganic = &total
		case metricImpressionsPaid:
			record.ImpressionsPaid = &total
		case metricEngagedUsers:
			record.EngagedUsers = &total
		case metricPostEngagements:
			record.PostEngagements = &total
		case metricViews:
			record.Views = &total
		case metricFanAdds:
			record.FanAdds = &total
		case metricFanRemoves:
			record.FanRemoves = &total
		}
	}

	return nil
}

// fetchFanCount retrieves the current fan count as a one-day window ending
// now, taking the most recent value.
func (a *Aggregator) fetchFanCount(ctx context.Context, pageID, token string, record *PageMetrics) error {
	now := time.Now()
	params := url.Values{}
	params.Set("metric", metricFans)
	params.Set("period", "day")
	params.Set("since", strconv.FormatInt(now.AddDate(0, 0, -1).Unix(), 10))
	params.Set("until", strconv.FormatInt(now.Unix(), 10))

	raw, err := a.client.Get(ctx, pageID+"/insights", params, token)
	if err != nil {
		return err
	}

	var payload insightsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse fan snapshot: %w", err)
	}

	for _, metric := range payload.Data {
		if metric.Name != metricFans || len(metric.Values) == 0 {
			continue
		}
		var v float64
		if err := json.Unmarshal(metric.Values[len(metric.Values)-1].Value, &v); err != nil {
			return fmt.Errorf("parse fan count value: %w", err)
		}
		count := int64(v)
		record.FanCount = &count
		return nil
	}

	return fmt.Errorf("fan count missing from response")
}

// fetchReactionBreakdown retrieves the rolling-window reaction-type
// breakdown. The payload must be a keyed object; anything else is treated as
// unavailable.
func (a *Aggregator) fetchReactionBreakdown(ctx context.Context, pageID, token string, record *PageMetrics) error {
	params := url.Values{}
	params.Set("metric", metricReactionBreakdown)
	params.Set("period", "days_28")

	raw, err := a.client.Get(ctx, pageID+"/insights", params, token)
	if err != nil {
		return err
	}

	var payload insightsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse reaction breakdown: %w", err)
	}

	for _, metric := range payload.Data {
		if metric.Name != metricReactionBreakdown || len(metric.Values) == 0 {
			continue
		}
		value := metric.Values[len(metric.Values)-1].Value
		var breakdown map[string]int64
		if err := json.Unmarshal(value, &breakdown); err != nil {
			return fmt.Errorf("reaction breakdown is not a keyed object: %w", err)
		}
		record.ReactionBreakdown = breakdown
		return nil
	}

	return fmt.Errorf("reaction breakdown missing from response")
}
