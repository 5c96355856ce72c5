package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pagepulse/graph-collector/pkg/collector"
	"github.com/pagepulse/graph-collector/pkg/graph"
	"github.com/pagepulse/graph-collector/pkg/logging"
	"github.com/pagepulse/graph-collector/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	godotenv.Load()

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "") == "true",
		Output: os.Stderr,
	})

	appSecret := os.Getenv("GRAPH_APP_SECRET")
	if appSecret == "" {
		logger.Fatal().Msg("GRAPH_APP_SECRET is required")
	}

	port := getEnv("PORT", "8080")
	redisURL := getEnv("REDIS_URL", "localhost:6379")

	redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("addr", redisURL).Msg("Connected to Redis")

	cfg := graph.DefaultConfig(appSecret)
	if base := os.Getenv("GRAPH_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	cfg.Usage = ratelimit.NewTracker(redisClient, logging.NewLogger("app-usage"))

	client, err := graph.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Graph client")
	}

	sup := collector.NewSupervisor(ctx, collector.New(client), 2, 32)

	// Drain supervised outcomes; downstream persistence consumes these in
	// production, here they are logged.
	go func() {
		for outcome := range sup.Outcomes() {
			event := logger.Info()
			if !outcome.Result.Success {
				event = logger.Warn()
			}
			event.
				Str("page_id", outcome.PageID).
				Bool("success", outcome.Result.Success).
				Bool("partial", outcome.Result.PartialSuccess).
				Int("errors", len(outcome.Result.Errors)).
				Msg("Collection run completed")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/collect", collectHandler(sup, logger))

	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		logger.Info().Str("port", port).Msg("Starting collector daemon")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	sup.Close()
	cancel()
	logger.Info().Msg("Collector daemon stopped")
}

// collectHandler accepts POST /v1/collect?page_id=... with the page token in
// the Authorization header and enqueues a supervised run.
func collectHandler(sup *collector.Supervisor, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		pageID := r.URL.Query().Get("page_id")
		if pageID == "" {
			http.Error(w, "page_id is required", http.StatusBadRequest)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			http.Error(w, "bearer token is required", http.StatusUnauthorized)
			return
		}

		err := sup.Submit(collector.Job{
			PageID:  pageID,
			Token:   token,
			Options: collector.DefaultOptions(),
		})
		if err != nil {
			logger.Warn().Err(err).Str("page_id", pageID).Msg("Failed to enqueue collection run")
			http.Error(w, "collection queue unavailable", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"queued"}`))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
