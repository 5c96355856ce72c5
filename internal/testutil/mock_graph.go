// Package testutil provides a configurable mock Graph API server for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGraph is a configurable mock Graph API server.
type MockGraph struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	RequestCount int
	PathCounts   map[string]int
	LastQuery    map[string][]string
}

// NewMockGraph creates a mock server. Unconfigured paths return 404 with a
// provider-style error envelope.
func NewMockGraph() *MockGraph {
	mock := &MockGraph{
		handlers:   make(map[string]http.HandlerFunc),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastQuery = r.URL.Query()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(ErrorEnvelope("Unsupported get request", 100, 33, "GraphMethodException")))
	}))

	return mock
}

// URL returns the mock server URL, usable as a graph.Config BaseURL.
func (m *MockGraph) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGraph) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a path.
func (m *MockGraph) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockGraph) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		w.Header().Set("Content-Type", "application/json")
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the total number of requests received.
func (m *MockGraph) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns how many requests hit one path.
func (m *MockGraph) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// ErrorEnvelope builds a provider-style error body.
func ErrorEnvelope(message string, code, subcode int, typeTag string) string {
	if subcode > 0 {
		return fmt.Sprintf(`{"error":{"message":%q,"code":%d,"error_subcode":%d,"type":%q,"fbtrace_id":"AbC123"}}`,
			message, code, subcode, typeTag)
	}
	return fmt.Sprintf(`{"error":{"message":%q,"code":%d,"type":%q,"fbtrace_id":"AbC123"}}`,
		message, code, typeTag)
}

// RateLimitEnvelope builds the provider's app-rate-limit error body.
func RateLimitEnvelope() string {
	return ErrorEnvelope("Application request limit reached", 4, 0, "OAuthException")
}

// ExpiredTokenEnvelope builds the provider's expired-credential error body.
func ExpiredTokenEnvelope() string {
	return ErrorEnvelope("Error validating access token: session has expired", 190, 463, "OAuthException")
}

// PermissionEnvelope builds the provider's permission-denied error body.
func PermissionEnvelope() string {
	return ErrorEnvelope("Permissions error", 10, 0, "OAuthException")
}

// PostTime formats a timestamp the way the provider stamps posts.
func PostTime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05-0700")
}

// FeedPost builds one feed post entry.
func FeedPost(id string, created time.Time, message string) string {
	return fmt.Sprintf(`{"id":%q,"created_time":%q,"message":%q,
		"reactions":{"summary":{"total_count":10}},
		"comments":{"summary":{"total_count":3}},
		"shares":{"count":1},"is_published":true,"is_hidden":false}`,
		id, PostTime(created), message)
}

// FeedPage builds a feed page body from post entries, with an optional next
// cursor.
func FeedPage(posts []string, after string) string {
	data := ""
	for i, p := range posts {
		if i > 0 {
			data += ","
		}
		data += p
	}
	if after == "" {
		return fmt.Sprintf(`{"data":[%s],"paging":{"cursors":{"before":"b","after":""}}}`, data)
	}
	return fmt.Sprintf(`{"data":[%s],"paging":{"cursors":{"before":"b","after":%q},"next":"https://next.example/%s"}}`,
		data, after, after)
}

// InsightMetric builds one insights metric entry with scalar daily values.
func InsightMetric(name string, values ...float64) string {
	entries := ""
	day := time.Now().AddDate(0, 0, -len(values))
	for i, v := range values {
		if i > 0 {
			entries += ","
		}
		entries += fmt.Sprintf(`{"value":%g,"end_time":%q}`, v, PostTime(day.AddDate(0, 0, i)))
	}
	return fmt.Sprintf(`{"name":%q,"period":"day","values":[%s]}`, name, entries)
}

// InsightsBody wraps metric entries in the provider's data envelope.
func InsightsBody(metrics ...string) string {
	data := ""
	for i, m := range metrics {
		if i > 0 {
			data += ","
		}
		data += m
	}
	return fmt.Sprintf(`{"data":[%s]}`, data)
}
