// Package graph provides the core Graph API request executor with error
// classification, retry/backoff, app-usage gating, and instrumentation.
package graph

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pagepulse/graph-collector/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Graph request execution.
var (
	graphRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_requests_total",
		Help: "Total Graph API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	graphRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graph_request_duration_seconds",
		Help:    "Graph API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	graphErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_errors_total",
		Help: "Total Graph API errors by class",
	}, []string{"class"})

	graphRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_retries_total",
		Help: "Total retry attempts by error class",
	}, []string{"error_class"})

	graphRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_retry_exhausted_total",
		Help: "Total requests that exhausted their retry budget by error class",
	}, []string{"error_class"})
)

// DefaultBaseURL is the Graph API root used when Config.BaseURL is empty.
const DefaultBaseURL = "https://graph.facebook.com/v19.0"

// Config holds the client configuration.
type Config struct {
	// BaseURL is the Graph API root (overridable for tests).
	BaseURL string

	// AppSecret signs every request: the appsecret_proof parameter is an
	// HMAC-SHA256 of the access token keyed by this secret.
	AppSecret string

	// Timeout is the per-attempt request deadline.
	Timeout time.Duration

	// Retry controls the attempt budget and backoff.
	Retry RetryPolicy

	// Usage gates requests on shared app-usage state. Optional; nil disables
	// gating.
	Usage *ratelimit.Tracker

	// HTTPClient is the underlying transport. Optional.
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(appSecret string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		AppSecret: appSecret,
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryPolicy(),
	}
}

// Client executes authenticated requests against the Graph API.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new Graph client.
func New(cfg Config) (*Client, error) {
	if cfg.AppSecret == "" {
		return nil, fmt.Errorf("app secret is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     log.With().Str("component", "graph-client").Logger(),
	}, nil
}

// Get performs one logical GET against a Graph path ("<id>/posts") and returns
// the raw JSON body. The credential is attached as a signed query parameter.
func (c *Client) Get(ctx context.Context, path string, params url.Values, token string) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", token)
	params.Set("appsecret_proof", c.proof(token))

	target := c.config.BaseURL + "/" + strings.TrimPrefix(path, "/") + "?" + params.Encode()
	return c.do(ctx, http.MethodGet, target, "/"+strings.TrimPrefix(path, "/"), nil)
}

// PostForm performs one logical POST with a form-encoded body. The credential
// and signing proof travel in the body, as the batch endpoint requires.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, token string) (json.RawMessage, error) {
	if form == nil {
		form = url.Values{}
	}
	form.Set("access_token", token)
	form.Set("appsecret_proof", c.proof(token))

	target := c.config.BaseURL + "/" + strings.TrimPrefix(path, "/")
	return c.do(ctx, http.MethodPost, target, "/"+strings.TrimPrefix(path, "/"), form)
}

// do runs the attempt loop for one logical request. Logging is the only side
// effect; each call owns its attempt counter and backoff schedule.
func (c *Client) do(ctx context.Context, method, target, endpoint string, form url.Values) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		graphRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	var lastErr *Error

	for attempt := 0; ; attempt++ {
		if c.config.Usage != nil {
			allowed, err := c.config.Usage.Allow(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("App-usage check failed, allowing request")
			} else if !allowed {
				graphRequestsTotal.WithLabelValues(endpoint, "usage_blocked").Inc()
				return nil, &Error{
					Class:   ClassRateLimit,
					Message: "app usage critical, request blocked",
					Err:     fmt.Errorf("%w: %s", ErrUsageBlocked, endpoint),
				}
			}
		}

		body, gerr := c.attempt(ctx, method, target, endpoint, form)

		outcome := "ok"
		if gerr != nil {
			outcome = string(gerr.Class)
		}
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("target", SanitizeURL(target)).
			Int("attempt", attempt+1).
			Str("outcome", outcome).
			Msg("Graph request attempt")

		if gerr == nil {
			return body, nil
		}
		lastErr = gerr
		graphErrorsTotal.WithLabelValues(string(gerr.Class)).Inc()

		retry, delay := c.config.Retry.Decide(attempt, gerr.Class)
		if !retry {
			if Retryable(gerr.Class) {
				graphRetryExhaustedTotal.WithLabelValues(string(gerr.Class)).Inc()
				c.logger.Warn().
					Str("endpoint", endpoint).
					Str("error_class", string(gerr.Class)).
					Int("attempts", attempt+1).
					Msg("Retry attempts exhausted")
				return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt+1, lastErr)
			}
			return nil, lastErr
		}

		graphRetriesTotal.WithLabelValues(string(gerr.Class)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Str("error_class", string(gerr.Class)).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// attempt issues a single HTTP call under the per-attempt deadline.
func (c *Client) attempt(ctx context.Context, method, target, endpoint string, form url.Values) (json.RawMessage, *Error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if form != nil {
		bodyReader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, bodyReader)
	if err != nil {
		return nil, &Error{Class: ClassDataShape, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		graphRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &Error{Class: ClassTransport, Message: "http request failed", Err: err}
	}
	defer resp.Body.Close()

	if c.config.Usage != nil {
		if err := c.config.Usage.UpdateFromHeaders(reqCtx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update app-usage state from headers")
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		graphRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &Error{Class: ClassTransport, Message: "read response body", Err: err, HTTPStatus: resp.StatusCode}
	}

	graphRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(raw), nil
	}

	return nil, parseErrorEnvelope(raw, resp.StatusCode)
}

// errorEnvelope is the provider's error shape:
// {"error":{"message","code","type","error_subcode","fbtrace_id"}}.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Type    string `json:"type"`
		Subcode int    `json:"error_subcode"`
		TraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// parseErrorEnvelope projects a non-2xx body onto a classified error. A body
// without a recognizable envelope falls back to status-based classification.
func parseErrorEnvelope(raw []byte, status int) *Error {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && (env.Error.Code != 0 || env.Error.Message != "") {
		return &Error{
			Message:    env.Error.Message,
			Code:       env.Error.Code,
			Type:       env.Error.Type,
			Subcode:    env.Error.Subcode,
			TraceID:    env.Error.TraceID,
			Class:      Classify(env.Error.Code, env.Error.Type, env.Error.Subcode),
			HTTPStatus: status,
		}
	}

	class := ClassDataShape
	switch {
	case status == http.StatusTooManyRequests:
		class = ClassRateLimit
	case status >= 500:
		class = ClassTransient
	}
	return &Error{
		Message:    fmt.Sprintf("unparsable error response (status %d)", status),
		Class:      class,
		HTTPStatus: status,
	}
}

// proof computes the appsecret_proof request-signing parameter.
func (c *Client) proof(token string) string {
	mac := hmac.New(sha256.New, []byte(c.config.AppSecret))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// SanitizeURL strips credential query parameters from a request target so it
// can be logged. The token itself must never appear in a log line.
func SanitizeURL(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "<unparsable url>"
	}
	q := u.Query()
	for _, key := range []string{"access_token", "appsecret_proof"} {
		if q.Has(key) {
			q.Set(key, "redacted")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
