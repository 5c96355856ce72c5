package collector

import (
	"time"

	"github.com/pagepulse/graph-collector/pkg/feed"
	"github.com/pagepulse/graph-collector/pkg/graph"
	"github.com/pagepulse/graph-collector/pkg/insights"
)

// Component tags the pipeline stage a failure belongs to.
type Component string

const (
	ComponentMetadata   Component = "metadata"
	ComponentFeed       Component = "feed"
	ComponentMetrics    Component = "metrics"
	ComponentEnrichment Component = "enrichment"
)

// ComponentError is one named component failure in a collection run. The
// message is human text; raw provider error codes never reach the caller.
type ComponentError struct {
	Component   Component
	Message     string
	Recoverable bool
}

// PageInfo is the canonical identity of the collected page.
type PageInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	FanCount int64  `json:"fan_count"`
	Link     string `json:"link"`
}

// CollectedData is the payload handed to downstream consumers: page identity,
// feed items with any attached metrics, page metrics or nil, and collection
// metadata.
type CollectedData struct {
	Page        PageInfo
	Items       []feed.Item
	Feed        *feed.Collection
	Metrics     *insights.PageMetrics
	CollectedAt time.Time
}

// Result is the outcome of one collection run.
//
// Invariants: Success implies Errors is empty; Data is non-nil iff metadata
// and feed both produced at least minimal usable output.
type Result struct {
	Success        bool
	PartialSuccess bool
	Data           *CollectedData
	Errors         []ComponentError
}

// Options configures one collection run.
type Options struct {
	// MaxItems caps the number of feed items collected.
	MaxItems int

	// MaxPages caps the number of feed pages walked.
	MaxPages int

	// LookbackDays bounds how far back the feed walk reaches.
	LookbackDays int

	// MetricsWindowDays is the window for aggregated page metrics.
	MetricsWindowDays int

	// Enrich controls whether per-post metrics are fetched.
	Enrich bool

	// EnrichTimeout is the overall deadline for the enrichment phase,
	// independent of per-call timeouts. Exceeding it leaves items unenriched
	// and records a recoverable error.
	EnrichTimeout time.Duration
}

// DefaultOptions returns the default run configuration.
func DefaultOptions() Options {
	return Options{
		MaxItems:          300,
		MaxPages:          5,
		LookbackDays:      90,
		MetricsWindowDays: 28,
		Enrich:            true,
		EnrichTimeout:     60 * time.Second,
	}
}

// describe turns a classified error into the human phrase callers see.
func describe(err error) string {
	switch graph.ClassOf(err) {
	case graph.ClassAuth:
		return "access credential expired or invalid"
	case graph.ClassPermission:
		return "permission denied by provider"
	case graph.ClassRateLimit:
		return "provider rate limit reached"
	case graph.ClassUnsupported:
		return "feature not available for this page"
	case graph.ClassTransient:
		return "provider temporarily unavailable"
	case graph.ClassDataShape:
		return "unexpected response from provider"
	default:
		return "network failure contacting provider"
	}
}
