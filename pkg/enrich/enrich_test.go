package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/pagepulse/graph-collector/internal/testutil"
	"github.com/pagepulse/graph-collector/pkg/graph"
)

func newTestEnricher(t *testing.T, mock *testutil.MockGraph, cfg Config) *Enricher {
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

	if cfg.RequestInterval == 0 {
		cfg.RequestInterval = 10 * time.Millisecond
	}
	return New(client, cfg)
}

func makeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("post_%d", i)
	}
	return ids
}

// insightsSubBody builds one sub-response body with scalar metric values.
func insightsSubBody(values map[string]float64) string {
	data := make([]map[string]any, 0, len(values))
	for name, v := range values {
		data = append(data, map[string]any{
			"name":   name,
			"values": []map[string]any{{"value": v}},
		})
	}
	b, _ := json.Marshal(map[string]any{"data": data})
	return string(b)
}

// batchEcho answers a batch request with one 200 reply per sub-request.
func batchEcho(body func(id string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		var subs []struct {
			Name string `json:"name"`
		}
		json.Unmarshal([]byte(r.PostFormValue("batch")), &subs)

		replies := make([]map[string]any, 0, len(subs))
		for _, sub := range subs {
			replies = append(replies, map[string]any{"code": 200, "body": body(sub.Name)})
		}
		out, _ := json.Marshal(replies)
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	}
}

func TestEnrich_CoversEveryID(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	mock.SetHandler("/", batchEcho(func(id string) string {
		return insightsSubBody(map[string]float64{"post_impressions": 100})
	}))

	enricher := newTestEnricher(t, mock, Config{GroupSize: 50})
	ids := makeIDs(120)

	result, failures := enricher.Enrich(context.Background(), ids, "token")
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}

	if len(result) != 120 {
		t.Fatalf("len(result) = %d, want exactly one entry per id", len(result))
	}
	for _, id := range ids {
		entry, ok := result[id]
		if !ok {
			t.Fatalf("missing entry for %s", id)
		}
		if !entry.Available {
			t.Errorf("entry for %s should be available", id)
		}
		if entry.Values["post_impressions"] != 100 {
			t.Errorf("post_impressions = %v, want 100", entry.Values["post_impressions"])
		}
	}

	// 120 ids at group size 50 means three batch calls.
	if got := mock.GetPathCount("/"); got != 3 {
		t.Errorf("batch requests = %d, want 3", got)
	}
}

func TestEnrich_GroupFailureIsolated(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	var calls int
	mock.SetHandler("/", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(testutil.ErrorEnvelope("An unknown error occurred", 2, 0, "OAuthException")))
			return
		}
		batchEcho(func(id string) string {
			return insightsSubBody(map[string]float64{"post_clicks": 5})
		})(w, r)
	})

	enricher := newTestEnricher(t, mock, Config{GroupSize: 50})
	ids := makeIDs(100)

	result, failures := enricher.Enrich(context.Background(), ids, "token")

	if len(failures) != 1 {
		t.Fatalf("len(failures) = %d, want 1", len(failures))
	}
	if len(result) != 100 {
		t.Fatalf("len(result) = %d, want 100", len(result))
	}

	// First group unavailable, second group parsed.
	for i, id := range ids {
		entry := result[id]
		if i < 50 && entry.Available {
			t.Errorf("entry %s from failed group should be unavailable", id)
		}
		if i >= 50 && !entry.Available {
			t.Errorf("entry %s from healthy group should be available", id)
		}
	}
}

func TestEnrich_NullAndNon200Replies(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	mock.SetHandler("/", func(w http.ResponseWriter, r *http.Request) {
		good, _ := json.Marshal(insightsSubBody(map[string]float64{"post_impressions": 7}))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[null,{"code":500,"body":"{}"},{"code":200,"body":%s}]`, good)
	})

	enricher := newTestEnricher(t, mock, Config{GroupSize: 50})
	ids := []string{"a", "b", "c"}

	result, failures := enricher.Enrich(context.Background(), ids, "token")
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}

	if result["a"].Available {
		t.Error("null reply should map to unavailable")
	}
	if result["b"].Available {
		t.Error("non-200 reply should map to unavailable")
	}
	if !result["c"].Available || result["c"].Values["post_impressions"] != 7 {
		t.Errorf("entry c = %+v, want available with post_impressions 7", result["c"])
	}
}

func TestEnrich_LengthMismatchMapsByPosition(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	mock.SetHandler("/", func(w http.ResponseWriter, r *http.Request) {
		good, _ := json.Marshal(insightsSubBody(map[string]float64{"post_impressions": 3}))
		w.Header().Set("Content-Type", "application/json")
		// Two replies for three sub-requests.
		fmt.Fprintf(w, `[{"code":200,"body":%s},{"code":200,"body":%s}]`, good, good)
	})

	enricher := newTestEnricher(t, mock, Config{GroupSize: 50})
	ids := []string{"a", "b", "c"}

	result, failures := enricher.Enrich(context.Background(), ids, "token")
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}

	if !result["a"].Available || !result["b"].Available {
		t.Error("positionally matched replies should be available")
	}
	if result["c"].Available {
		t.Error("sub-request without a reply should be unavailable")
	}
}

func TestEnrich_DeadlineMarksRemaining(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	enricher := newTestEnricher(t, mock, Config{GroupSize: 50})
	ids := makeIDs(75)

	result, failures := enricher.Enrich(ctx, ids, "token")

	if len(failures) != 1 {
		t.Fatalf("len(failures) = %d, want 1", len(failures))
	}
	if len(result) != 75 {
		t.Fatalf("len(result) = %d, want every id covered", len(result))
	}
	for _, id := range ids {
		if result[id].Available {
			t.Errorf("entry %s should be unavailable after deadline", id)
		}
	}
	if mock.GetRequestCount() != 0 {
		t.Errorf("no requests expected with an expired context, got %d", mock.GetRequestCount())
	}
}

func TestParseInsightsBody_FlattensBreakdown(t *testing.T) {
	body := `{"data":[
		{"name":"post_impressions","values":[{"value":250}]},
		{"name":"post_reactions_by_type_total","values":[{"value":{"like":12,"love":3,"haha":1}}]}
	]}`

	values, err := parseInsightsBody(body)
	if err != nil {
		t.Fatalf("parseInsightsBody() error = %v", err)
	}

	expected := map[string]float64{
		"post_impressions":                  250,
		"post_reactions_by_type_total_like": 12,
		"post_reactions_by_type_total_love": 3,
		"post_reactions_by_type_total_haha": 1,
	}
	for name, want := range expected {
		if got := values[name]; got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
	if _, exists := values["post_reactions_by_type_total"]; exists {
		t.Error("keyed breakdown must not keep its unflattened name")
	}
}

func TestParseInsightsBody_Malformed(t *testing.T) {
	if _, err := parseInsightsBody("not json"); err == nil {
		t.Error("expected error for malformed body")
	}
}

func TestParseInsightsBody_EmptyValues(t *testing.T) {
	values, err := parseInsightsBody(`{"data":[{"name":"post_clicks","values":[]}]}`)
	if err != nil {
		t.Fatalf("parseInsightsBody() error = %v", err)
	}
	if len(values) != 0 {
		t.Errorf("len(values) = %d, want 0 for metric without values", len(values))
	}
}

func TestEnrich_BatchPayloadShape(t *testing.T) {
	mock := testutil.NewMockGraph()
	defer mock.Close()

	var captured string
	mock.SetHandler("/", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		captured = r.PostFormValue("batch")
		batchEcho(func(id string) string { return insightsSubBody(nil) })(w, r)
	})

	enricher := newTestEnricher(t, mock, Config{
		GroupSize: 50,
		Metrics:   []string{"post_impressions", "post_clicks"},
	})

	if _, failures := enricher.Enrich(context.Background(), []string{"post_1"}, "token"); len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}

	var subs []batchRequest
	if err := json.Unmarshal([]byte(captured), &subs); err != nil {
		t.Fatalf("batch payload not parsable: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("len(subs) = %d, want 1", len(subs))
	}
	if subs[0].Method != "GET" {
		t.Errorf("Method = %q, want GET", subs[0].Method)
	}
	if subs[0].Name != "post_1" {
		t.Errorf("Name = %q, want post_1", subs[0].Name)
	}
	if want := "post_1/insights/post_impressions,post_clicks"; subs[0].RelativeURL != want {
		t.Errorf("RelativeURL = %q, want %q", subs[0].RelativeURL, want)
	}
}
