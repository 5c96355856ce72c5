// Package feed walks a page's cursor-paginated post feed with bounded volume:
// an item cap, a page cap, and an age cutoff, each tracked independently.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/pagepulse/graph-collector/pkg/graph"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// createdTimeLayout is the provider's post timestamp format.
const createdTimeLayout = "2006-01-02T15:04:05-0700"

// itemFields is the field list requested per post.
const itemFields = "id,created_time,message,story," +
	"attachments{type,media_type,url,target,subattachments}," +
	"reactions.summary(true).limit(0),comments.summary(true).limit(0),shares," +
	"is_published,is_hidden"

// pageLimit is the per-request page size asked of the provider.
const pageLimit = 100

// Item is one published post. Created once per page of results, mutated
// exactly once when enrichment attaches metrics, never mutated again.
type Item struct {
	ID          string
	CreatedTime time.Time
	Message     string
	Story       string
	Attachment  Attachment
	Reactions   int
	Comments    int
	Shares      int
	IsPublished bool
	IsHidden    bool

	// Metrics is attached by the enrichment stage. nil means enrichment was
	// never attempted for this item; MetricsUnavailable means it was
	// attempted and failed.
	Metrics            map[string]float64
	MetricsUnavailable bool
}

// Options bounds a feed walk.
type Options struct {
	MaxItems   int
	MaxPages   int
	MaxAgeDays int
}

// DefaultOptions returns the default feed bounds.
func DefaultOptions() Options {
	return Options{
		MaxItems:   300,
		MaxPages:   5,
		MaxAgeDays: 90,
	}
}

// Collection is the outcome of one feed walk. The three Reached flags are
// informative, not exclusive; per item the item cap is checked before the age
// cutoff, so a page exceeding both on the same item reports the item cap.
type Collection struct {
	Items            []Item
	TotalFetched     int
	PagesProcessed   int
	OldestDate       time.Time
	NewestDate       time.Time
	ReachedItemCap   bool
	ReachedPageCap   bool
	ReachedAgeCutoff bool
}

// Collector fetches pages of posts through the request executor.
type Collector struct {
	client *graph.Client
	logger zerolog.Logger
}

// NewCollector creates a feed collector.
func NewCollector(client *graph.Client) *Collector {
	return &Collector{
		client: client,
		logger: log.With().Str("component", "feed-collector").Logger(),
	}
}

// feedPage is the provider's page shape.
type feedPage struct {
	Data   []rawItem `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

type rawItem struct {
	ID          string          `json:"id"`
	CreatedTime string          `json:"created_time"`
	Message     string          `json:"message"`
	Story       string          `json:"story"`
	Attachments json.RawMessage `json:"attachments"`
	Reactions   summaryCount    `json:"reactions"`
	Comments    summaryCount    `json:"comments"`
	Shares      struct {
		Count int `json:"count"`
	} `json:"shares"`
	IsPublished *bool `json:"is_published"`
	IsHidden    bool  `json:"is_hidden"`
}

type summaryCount struct {
	Summary struct {
		TotalCount int `json:"total_count"`
	} `json:"summary"`
}

// Collect walks the page's feed newest-first until a stop condition fires.
// The first page is seeded with a server-side time filter so data older than
// the lookback window is not fetched just to be discarded.
func (c *Collector) Collect(ctx context.Context, pageID, token string, opts Options) (*Collection, error) {
	cutoff := time.Now().AddDate(0, 0, -opts.MaxAgeDays)
	result := &Collection{}

	params := url.Values{}
	params.Set("fields", itemFields)
	params.Set("limit", strconv.Itoa(pageLimit))
	params.Set("since", strconv.FormatInt(cutoff.Unix(), 10))

	for {
		raw, err := c.client.Get(ctx, pageID+"/posts", params, token)
		if err != nil {
			return nil, fmt.Errorf("fetch feed page %d: %w", result.PagesProcessed+1, err)
		}

		var page feedPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("parse feed page %d: %w", result.PagesProcessed+1, err)
		}
		result.PagesProcessed++

		c.consumePage(result, page.Data, cutoff, opts)

		c.logger.Debug().
			Int("page", result.PagesProcessed).
			Int("items", len(result.Items)).
			Bool("item_cap", result.ReachedItemCap).
			Bool("age_cutoff", result.ReachedAgeCutoff).
			Msg("Feed page consumed")

		if result.ReachedItemCap || result.ReachedAgeCutoff {
			break
		}
		if result.PagesProcessed >= opts.MaxPages {
			result.ReachedPageCap = true
			break
		}
		if page.Paging.Next == "" || page.Paging.Cursors.After == "" {
			break
		}
		params.Set("after", page.Paging.Cursors.After)
	}

	result.TotalFetched = len(result.Items)

	c.logger.Info().
		Str("page_id", pageID).
		Int("items", result.TotalFetched).
		Int("pages", result.PagesProcessed).
		Bool("item_cap", result.ReachedItemCap).
		Bool("page_cap", result.ReachedPageCap).
		Bool("age_cutoff", result.ReachedAgeCutoff).
		Msg("Feed collection finished")

	return result, nil
}

// consumePage accepts items in provider order. Hidden and unpublished items
// are skipped without counting against the item cap. Pages are assumed
// non-increasing in time: once one item is older than the cutoff, the rest of
// the page is dropped without individual checks.
func (c *Collector) consumePage(result *Collection, items []rawItem, cutoff time.Time, opts Options) {
	for i := range items {
		raw := &items[i]

		published := raw.IsPublished == nil || *raw.IsPublished
		if raw.IsHidden || !published {
			c.logger.Debug().Str("post_id", raw.ID).Msg("Skipping hidden or unpublished post")
			continue
		}

		if len(result.Items) >= opts.MaxItems {
			result.ReachedItemCap = true
			return
		}

		created, err := time.Parse(createdTimeLayout, raw.CreatedTime)
		if err != nil {
			c.logger.Warn().Str("post_id", raw.ID).Str("created_time", raw.CreatedTime).
				Msg("Unparsable post timestamp, skipping item")
			continue
		}

		if created.Before(cutoff) {
			result.ReachedAgeCutoff = true
			return
		}

		result.Items = append(result.Items, Item{
			ID:          raw.ID,
			CreatedTime: created,
			Message:     raw.Message,
			Story:       raw.Story,
			Attachment:  classifyAttachment(firstAttachment(raw.Attachments)),
			Reactions:   raw.Reactions.Summary.TotalCount,
			Comments:    raw.Comments.Summary.TotalCount,
			Shares:      raw.Shares.Count,
			IsPublished: published,
		})

		if result.OldestDate.IsZero() || created.Before(result.OldestDate) {
			result.OldestDate = created
		}
		if created.After(result.NewestDate) {
			result.NewestDate = created
		}
	}
}
