package feed

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/pagepulse/graph-collector/internal/testutil"
	"github.com/pagepulse/graph-collector/pkg/graph"
)

func newTestCollector(t *testing.T, mock *testutil.MockGraph) *Collector {
	t.Helper()

	client, err := graph.New(graph.Config{
		BaseURL:   mock.URL(),
		AppSecret: "test-secret",
		Timeout:   5 * time.Second,
		Retry:     graph.RetryPolicy{MaxRetries: 0, InitialDelay: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("graph.New() error = %v", err)
	}

	return NewCollector(client)
}

// recentPosts builds n published posts with strictly decreasing timestamps.
func recentPosts(n, offset int, base time.Time) []string {
	posts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("post_%d", offset+i)
		posts = append(posts, testutil.FeedPost(id, base.Add(-time.Duration(offset+i)*time.Minute), "hello"))
	}
	return posts
}

func TestCollect_ItemCapAcrossPages(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	base := time.Now().Add(-time.Hour)
	pages := map[string]string{
		"":   testutil.FeedPage(recentPosts(100, 0, base), "c1"),
		"c1": testutil.FeedPage(recentPosts(100, 100, base), "c2"),
		"c2": testutil.FeedPage(recentPosts(100, 200, base), "c3"),
		"c3": testutil.FeedPage(recentPosts(100, 300, base), ""),
	}
	mock.SetHandler("/page1/posts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(pages[r.URL.Query().Get("after")]))
	})

	collector := newTestCollector(t, mock)
	result, err := collector.Collect(context.Background(), "page1", "token", Options{
		MaxItems:   250,
		MaxPages:   5,
		MaxAgeDays: 90,
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if len(result.Items) != 250 {
		t.Errorf("len(Items) = %d, want 250", len(result.Items))
	}
	if result.TotalFetched != 250 {
		t.Errorf("TotalFetched = %d, want 250", result.TotalFetched)
	}
	if result.PagesProcessed != 3 {
		t.Errorf("PagesProcessed = %d, want 3", result.PagesProcessed)
	}
	if !result.ReachedItemCap {
		t.Error("expected ReachedItemCap")
	}
	if result.ReachedPageCap || result.ReachedAgeCutoff {
		t.Error("only the item cap should be reported")
	}
	if mock.GetPathCount("/page1/posts") != 3 {
		t.Errorf("feed requests = %d, want 3", mock.GetPathCount("/page1/posts"))
	}

	if !result.NewestDate.After(result.OldestDate) {
		t.Errorf("NewestDate %v should be after OldestDate %v", result.NewestDate, result.OldestDate)
	}
}

func TestCollect_AgeCutoffStopsPagination(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	now := time.Now()
	posts := []string{
		testutil.FeedPost("p1", now.Add(-24*time.Hour), "fresh"),
		testutil.FeedPost("p2", now.Add(-48*time.Hour), "fresh"),
		testutil.FeedPost("p3", now.AddDate(0, 0, -10), "stale"),
		testutil.FeedPost("p4", now.AddDate(0, 0, -11), "stale"),
	}
	mock.SetResponse("/page1/posts", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       testutil.FeedPage(posts, "c1"),
	})

	collector := newTestCollector(t, mock)
	result, err := collector.Collect(context.Background(), "page1", "token", Options{
		MaxItems:   100,
		MaxPages:   5,
		MaxAgeDays: 7,
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if len(result.Items) != 2 {
		t.Errorf("len(Items) = %d, want 2", len(result.Items))
	}
	if !result.ReachedAgeCutoff {
		t.Error("expected ReachedAgeCutoff")
	}
	if result.ReachedItemCap || result.ReachedPageCap {
		t.Error("only the age cutoff should be reported")
	}

	// Remaining pages must not be fetched once the cutoff fires.
	if mock.GetPathCount("/page1/posts") != 1 {
		t.Errorf("feed requests = %d, want 1", mock.GetPathCount("/page1/posts"))
	}
}

func TestCollect_ItemCapWinsOverAgeCutoff(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	now := time.Now()
	posts := []string{
		testutil.FeedPost("p1", now.Add(-time.Hour), "fresh"),
		testutil.FeedPost("p2", now.AddDate(0, 0, -30), "stale and over cap"),
	}
	mock.SetResponse("/page1/posts", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       testutil.FeedPage(posts, ""),
	})

	collector := newTestCollector(t, mock)
	result, err := collector.Collect(context.Background(), "page1", "token", Options{
		MaxItems:   1,
		MaxPages:   5,
		MaxAgeDays: 7,
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if !result.ReachedItemCap {
		t.Error("expected ReachedItemCap")
	}
	if result.ReachedAgeCutoff {
		t.Error("item cap is checked before the age cutoff")
	}
	if len(result.Items) != 1 {
		t.Errorf("len(Items) = %d, want 1", len(result.Items))
	}
}

func TestCollect_SkipsHiddenAndUnpublished(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	now := time.Now()
	hidden := fmt.Sprintf(`{"id":"h1","created_time":%q,"message":"hidden",
		"reactions":{"summary":{"total_count":0}},
		"comments":{"summary":{"total_count":0}},
		"is_published":true,"is_hidden":true}`, testutil.PostTime(now.Add(-time.Hour)))
	unpublished := fmt.Sprintf(`{"id":"u1","created_time":%q,"message":"draft",
		"reactions":{"summary":{"total_count":0}},
		"comments":{"summary":{"total_count":0}},
		"is_published":false,"is_hidden":false}`, testutil.PostTime(now.Add(-2*time.Hour)))
	posts := []string{
		testutil.FeedPost("p1", now.Add(-30*time.Minute), "visible"),
		hidden,
		unpublished,
		testutil.FeedPost("p2", now.Add(-3*time.Hour), "visible"),
	}
	mock.SetResponse("/page1/posts", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       testutil.FeedPage(posts, ""),
	})

	collector := newTestCollector(t, mock)

	// MaxItems equals the visible count: skipped items must not consume cap.
	result, err := collector.Collect(context.Background(), "page1", "token", Options{
		MaxItems:   2,
		MaxPages:   5,
		MaxAgeDays: 90,
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if len(result.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(result.Items))
	}
	if result.Items[0].ID != "p1" || result.Items[1].ID != "p2" {
		t.Errorf("unexpected item ids: %s, %s", result.Items[0].ID, result.Items[1].ID)
	}
	if result.ReachedItemCap {
		t.Error("skipped items must not count against the item cap")
	}
}

func TestCollect_PageCap(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	base := time.Now().Add(-time.Hour)
	var served int
	mock.SetHandler("/page1/posts", func(w http.ResponseWriter, r *http.Request) {
		served++
		w.Header().Set("Content-Type", "application/json")
		// Every page advertises a next cursor; only the page cap stops the walk.
		w.Write([]byte(testutil.FeedPage(recentPosts(10, served*10, base), fmt.Sprintf("c%d", served))))
	})

	collector := newTestCollector(t, mock)
	result, err := collector.Collect(context.Background(), "page1", "token", Options{
		MaxItems:   1000,
		MaxPages:   2,
		MaxAgeDays: 90,
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if result.PagesProcessed != 2 {
		t.Errorf("PagesProcessed = %d, want 2", result.PagesProcessed)
	}
	if !result.ReachedPageCap {
		t.Error("expected ReachedPageCap")
	}
	if len(result.Items) != 20 {
		t.Errorf("len(Items) = %d, want 20", len(result.Items))
	}
}

func TestCollect_EmptyFeed(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	mock.SetResponse("/page1/posts", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       testutil.FeedPage(nil, ""),
	})

	collector := newTestCollector(t, mock)
	result, err := collector.Collect(context.Background(), "page1", "token", DefaultOptions())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if len(result.Items) != 0 {
		t.Errorf("len(Items) = %d, want 0", len(result.Items))
	}
	if result.PagesProcessed != 1 {
		t.Errorf("PagesProcessed = %d, want 1", result.PagesProcessed)
	}
	if result.ReachedItemCap || result.ReachedPageCap || result.ReachedAgeCutoff {
		t.Error("no stop flag should be set for a naturally exhausted feed")
	}
}

func TestCollect_SeedsTimeFilter(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	mock.SetResponse("/page1/posts", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       testutil.FeedPage(nil, ""),
	})

	collector := newTestCollector(t, mock)
	if _, err := collector.Collect(context.Background(), "page1", "token", DefaultOptions()); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if got := mock.LastQuery["since"]; len(got) == 0 || got[0] == "" {
		t.Error("expected since parameter on the first page request")
	}
	if got := mock.LastQuery["limit"]; len(got) == 0 || got[0] != "100" {
		t.Errorf("limit = %v, want [100]", got)
	}
}

func TestCollect_RequestErrorPropagates(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	mock.SetResponse("/page1/posts", testutil.MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       testutil.PermissionEnvelope(),
	})

	collector := newTestCollector(t, mock)
	result, err := collector.Collect(context.Background(), "page1", "token", DefaultOptions())
	if err == nil {
		t.Fatal("expected error from permission-denied feed request")
	}
	if result != nil {
		t.Error("expected nil collection on error")
	}
	if !graph.PermissionDenied(err) {
		t.Errorf("expected permission-denied classification, got %v", err)
	}
}

func TestCollect_UnparsableTimestampSkipsItem(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	now := time.Now()
	broken := `{"id":"b1","created_time":"yesterday","message":"bad clock",
		"reactions":{"summary":{"total_count":0}},
		"comments":{"summary":{"total_count":0}},
		"is_published":true,"is_hidden":false}`
	posts := []string{
		testutil.FeedPost("p1", now.Add(-time.Hour), "fine"),
		broken,
		testutil.FeedPost("p2", now.Add(-2*time.Hour), "fine"),
	}
	mock.SetResponse("/page1/posts", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       testutil.FeedPage(posts, ""),
	})

	collector := newTestCollector(t, mock)
	result, err := collector.Collect(context.Background(), "page1", "token", DefaultOptions())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if len(result.Items) != 2 {
		t.Errorf("len(Items) = %d, want 2", len(result.Items))
	}
}
