// Package heartbeat provides a single-entry cache that serves its last known
// value immediately and refreshes it from a slow upstream in the background,
// no more often than a configured heartbeat.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxRefresh bounds a refresh attempt when Options.MaxRefresh is zero.
const DefaultMaxRefresh = 20 * time.Second

// Fetcher loads a fresh value from the upstream. The context is cancelled when
// the refresh attempt times out.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options controls how often a Cache goes back to its upstream.
type Options struct {
	// TTL is how long a fetched value is considered fresh.
	TTL time.Duration
	// MinHeartbeat is the minimum time after a successful fetch before another
	// refresh may start, even if the value is already stale.
	MinHeartbeat time.Duration
	// MaxRefresh is the ceiling on a single refresh attempt.
	MaxRefresh time.Duration
}

// Entry is a point-in-time copy of a cache's state.
type Entry[T any] struct {
	Value      T
	HasValue   bool
	UpdatedAt  time.Time
	StaleAt    time.Time
	Refreshing bool
	LastError  error
}

// Stale reports whether the entry had passed its StaleAt time at now.
func (e Entry[T]) Stale(now time.Time) bool {
	return !e.HasValue || !now.Before(e.StaleAt)
}

// Stats counts refresh outcomes over the life of a cache.
type Stats struct {
	Started   uint64
	Succeeded uint64
	Failed    uint64
	TimedOut  uint64
}

// Option configures optional Cache collaborators.
type Option func(*config)

type config struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger used to report refresh outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now as the cache's notion of the current time.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache holds one value produced by a Fetcher. It is safe for concurrent use.
type Cache[T any] struct {
	fetch  Fetcher[T]
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    Entry[T]
	inflight chan struct{} // closed when the running refresh completes
	stats    Stats
}

// New constructs a Cache around fetch. Nothing is fetched until the first Get
// or ForceRefresh.
func New[T any](fetch Fetcher[T], opts Options, options ...Option) *Cache[T] {
	if opts.MaxRefresh <= 0 {
		opts.MaxRefresh = DefaultMaxRefresh
	}
	cfg := config{logger: slog.Default(), now: time.Now}
	for _, o := range options {
		o(&cfg)
	}
	return &Cache[T]{
		fetch:  fetch,
		opts:   opts,
		logger: cfg.logger,
		now:    cfg.now,
	}
}

// Options returns the configuration the cache was built with.
func (c *Cache[T]) Options() Options { return c.opts }

// Get returns the current state without waiting on the upstream. When
// triggerBackgroundRefresh is set and a refresh is due, one is started in the
// background.
func (c *Cache[T]) Get(triggerBackgroundRefresh bool) Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if triggerBackgroundRefresh && c.shouldRefreshLocked(c.now()) {
		c.startLocked()
	}
	return c.state
}

// ForceRefresh starts a refresh, or joins the one already running, and waits
// for it to finish. If ctx is done first the current state is returned and the
// refresh carries on in the background.
func (c *Cache[T]) ForceRefresh(ctx context.Context) Entry[T] {
	c.mu.Lock()
	done := c.inflight
	if done == nil {
		done = c.startLocked()
	}
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return c.snapshot()
}

// Stats returns the refresh counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache[T]) snapshot() Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cache[T]) shouldRefreshLocked(now time.Time) bool {
	if c.state.Refreshing {
		return false
	}
	if !c.state.UpdatedAt.IsZero() && now.Sub(c.state.UpdatedAt) < c.opts.MinHeartbeat {
		return false
	}
	if !c.state.HasValue {
		return true
	}
	return !now.Before(c.state.StaleAt)
}

// startLocked marks the cache as refreshing and launches the refresh. c.mu
// must be held.
func (c *Cache[T]) startLocked() chan struct{} {
	done := make(chan struct{})
	c.inflight = done
	c.state.Refreshing = true
	c.stats.Started++
	go c.refresh(done)
	return done
}

type result[T any] struct {
	value T
	err   error
}

func (c *Cache[T]) refresh(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.MaxRefresh)
	defer cancel()

	started := c.now()
	c.logger.Debug("refresh started")

	// Buffered so an abandoned fetch can still deliver and exit.
	results := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- result[T]{err: fmt.Errorf("fetcher panicked: %v", r)}
			}
		}()
		v, err := c.fetch(ctx)
		results <- result[T]{value: v, err: err}
	}()

	var res result[T]
	select {
	case res = <-results:
		if res.err != nil {
			res.err = &FetchError{Err: res.err}
		}
	case <-ctx.Done():
		res.err = ErrRefreshTimeout
	}
	if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.err = ErrRefreshTimeout
	}

	c.mu.Lock()
	now := c.now()
	switch {
	case res.err == nil:
		c.state.Value = res.value
		c.state.HasValue = true
		c.state.UpdatedAt = now
		c.state.StaleAt = now.Add(c.opts.TTL)
		c.state.LastError = nil
		c.stats.Succeeded++
	case errors.Is(res.err, ErrRefreshTimeout):
		c.state.LastError = res.err
		c.stats.TimedOut++
	default:
		c.state.LastError = res.err
		c.stats.Failed++
	}
	c.state.Refreshing = false
	c.inflight = nil
	close(done)
	c.mu.Unlock()

	if res.err != nil {
		c.logger.Warn("refresh failed", "error", res.err, "elapsed", now.Sub(started))
		return
	}
	c.logger.Debug("refresh completed", "elapsed", now.Sub(started))
}
