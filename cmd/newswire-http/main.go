// Command newswire-http starts the news aggregation HTTP server.
package main

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"newswire/internal/feeds"
	"newswire/internal/heartbeat"
	"newswire/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	port := getEnv("PORT", "3000")
	cfg := server.Config{
		Token:        os.Getenv("API_TOKEN"),
		TopicTTL:     getEnvDuration("CACHE_TTL", 60*time.Second),
		BreakingTTL:  getEnvDuration("BREAKING_TTL", 120*time.Second),
		MinHeartbeat: getEnvDuration("MIN_HEARTBEAT", 15*time.Second),
		MaxRefresh:   getEnvDuration("MAX_REFRESH", heartbeat.DefaultMaxRefresh),
	}
	if cfg.Token == "" {
		logger.Warn("API_TOKEN not set; admin endpoints will be open. Set API_TOKEN to secure.")
	}

	topic := os.Getenv("NEWS_TOPIC")
	catalog := feeds.DefaultCatalog(topic)
	if path := os.Getenv("FEEDS_FILE"); path != "" {
		c, err := feeds.LoadCatalog(path, topic)
		if err != nil {
			logger.Error("load feeds file", "path", path, "error", err)
			os.Exit(1)
		}
		catalog = c
	}
	logger.Info("feed catalog ready", "default_topic", catalog.Default(), "topics", catalog.Topics())

	client := feeds.New(catalog, &http.Client{Timeout: getEnvDuration("FEED_TIMEOUT", 15*time.Second)}, logger)
	client.Concurrency = getEnvInt("FETCH_CONCURRENCY", client.Concurrency)

	srv := server.New(cfg, catalog, client, heartbeat.NewRegistry[feeds.Digest](), logger)
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var err error
	if certFile != "" && keyFile != "" {
		logger.Info("starting HTTPS server", "port", port)
		err = httpServer.ListenAndServeTLS(certFile, keyFile)
	} else {
		logger.Info("TLS_CERT_FILE/TLS_KEY_FILE not set; serving plain HTTP", "port", port)
		err = httpServer.ListenAndServe()
	}
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or a bare number of milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func parseLevel(v string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo
	}
	return l
}
