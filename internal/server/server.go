// Package server provides the HTTP handlers and routing for the news service.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newswire/internal/feeds"
	"newswire/internal/heartbeat"
)

const breakingKey = "breaking"

// Config contains server configuration values such as the auth token and cache timings.
type Config struct {
	Token        string
	TopicTTL     time.Duration
	BreakingTTL  time.Duration
	MinHeartbeat time.Duration
	MaxRefresh   time.Duration
}

// Upstream produces digests for the caches. *feeds.Client implements it.
type Upstream interface {
	FetchTopic(ctx context.Context, topic string) (feeds.Digest, error)
	FetchBreaking(ctx context.Context) (feeds.Digest, error)
}

// Server contains the configured router, cache registry, upstream, and config.
type Server struct {
	cfg      Config
	router   *chi.Mux
	catalog  *feeds.Catalog
	upstream Upstream
	caches   *heartbeat.Registry[feeds.Digest]
	logger   *slog.Logger
}

// New constructs a Server with middleware and routes configured. A nil
// registry gets a fresh one; a nil logger uses slog.Default.
func New(cfg Config, catalog *feeds.Catalog, upstream Upstream, caches *heartbeat.Registry[feeds.Digest], logger *slog.Logger) *Server {
	if caches == nil {
		caches = heartbeat.NewRegistry[feeds.Digest]()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		catalog:  catalog,
		upstream: upstream,
		caches:   caches,
		logger:   logger,
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/topics", s.handleTopics)
		r.Get("/news", s.handleNews)
		r.Get("/breaking", s.handleBreaking)
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/scheduled", s.handleScheduled)
		r.Get("/status", s.handleStatus)
	})

	return s
}

// Router exposes the root HTTP handler for the server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// topicCache returns the shared cache for topic, creating it on first use.
func (s *Server) topicCache(topic string) (string, *heartbeat.Cache[feeds.Digest]) {
	key := "news:" + topic
	return key, s.caches.GetOrCreate(key, func() *heartbeat.Cache[feeds.Digest] {
		return heartbeat.New(func(ctx context.Context) (feeds.Digest, error) {
			return s.upstream.FetchTopic(ctx, topic)
		}, heartbeat.Options{
			TTL:          s.cfg.TopicTTL,
			MinHeartbeat: s.cfg.MinHeartbeat,
			MaxRefresh:   s.cfg.MaxRefresh,
		}, heartbeat.WithLogger(s.logger.With("cache", key)))
	})
}

func (s *Server) breakingCache() *heartbeat.Cache[feeds.Digest] {
	return s.caches.GetOrCreate(breakingKey, func() *heartbeat.Cache[feeds.Digest] {
		return heartbeat.New(s.upstream.FetchBreaking, heartbeat.Options{
			TTL:          s.cfg.BreakingTTL,
			MinHeartbeat: s.cfg.MinHeartbeat,
			MaxRefresh:   s.cfg.MaxRefresh,
		}, heartbeat.WithLogger(s.logger.With("cache", breakingKey)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, topicsResponse{Topics: s.catalog.Topics(), Default: s.catalog.Default()})
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	topic := s.catalog.Resolve(r.URL.Query().Get("topic"))
	_, c := s.topicCache(topic)
	resp := newDigestResponse(read(r.Context(), c))
	resp.Topic = topic
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBreaking(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newDigestResponse(read(r.Context(), s.breakingCache())))
}

// read serves the cached digest, waiting for the first fetch only when
// nothing has been cached yet.
func read(ctx context.Context, c *heartbeat.Cache[feeds.Digest]) heartbeat.Entry[feeds.Digest] {
	e := c.Get(true)
	if !e.HasValue {
		e = c.ForceRefresh(ctx)
	}
	return e
}

// handleScheduled is intended to be called by a scheduler to warm the default topic and breaking caches.
func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	defaultKey, defaultCache := s.topicCache(s.catalog.Default())
	targets := []struct {
		key   string
		cache *heartbeat.Cache[feeds.Digest]
	}{
		{defaultKey, defaultCache},
		{breakingKey, s.breakingCache()},
	}

	resp := scheduledResponse{Status: "scheduled task completed"}
	for _, t := range targets {
		e := t.cache.ForceRefresh(r.Context())
		res := refreshResult{Key: t.key, OK: e.LastError == nil && e.HasValue}
		if e.LastError != nil {
			res.Error = e.LastError.Error()
		}
		resp.Refreshed = append(resp.Refreshed, res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	out := statusResponse{Caches: []cacheStatus{}}
	for _, key := range s.caches.Keys() {
		c, ok := s.caches.Lookup(key)
		if !ok {
			continue
		}
		e := c.Get(false)
		st := c.Stats()
		cs := cacheStatus{
			Key:        key,
			HasValue:   e.HasValue,
			Stale:      e.Stale(now),
			Refreshing: e.Refreshing,
			UpdatedAt:  timePtr(e.UpdatedAt),
			StaleAt:    timePtr(e.StaleAt),
			Items:      len(e.Value.Items),
			Started:    st.Started,
			Succeeded:  st.Succeeded,
			Failed:     st.Failed,
			TimedOut:   st.TimedOut,
		}
		if e.LastError != nil {
			cs.LastError = e.LastError.Error()
			cs.ErrorCode = errorCode(e.LastError)
		}
		out.Caches = append(out.Caches, cs)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
