// Package feeds fetches RSS and Atom feeds and merges them into ranked
// headline digests.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"
)

// Limits applied while merging feeds.
const (
	TopicItemsPerFeed    = 15
	TopicMaxItems        = 100
	BreakingItemsPerFeed = 25
	BreakingMaxItems     = 150
)

// ErrNoSources is returned when there is nothing to fetch.
var ErrNoSources = platformerrors.New(platformerrors.CodeInvalidConfig, "no feed sources configured")

// Client fetches feeds listed in a Catalog.
type Client struct {
	Catalog     *Catalog
	HTTP        *http.Client
	Concurrency int
	Logger      *slog.Logger
	now         func() time.Time
}

// New returns a new client. If httpClient is nil, a default with 15s timeout is used.
func New(catalog *Catalog, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Catalog: catalog, HTTP: httpClient, Concurrency: 8, Logger: logger, now: time.Now}
}

// FetchTopic fetches every feed for topic and returns the merged digest. Items
// whose title mentions the topic are ranked first, then newest first.
func (c *Client) FetchTopic(ctx context.Context, topic string) (Digest, error) {
	topic = c.Catalog.Resolve(topic)
	d, err := c.fetch(ctx, c.Catalog.Sources(topic), TopicItemsPerFeed)
	if err != nil {
		return Digest{}, fmt.Errorf("topic %q: %w", topic, err)
	}
	d.Topic = topic
	rank(d.Items, topic)
	d.Items = truncate(d.Items, TopicMaxItems)
	return d, nil
}

// FetchBreaking fetches the breaking news feeds, newest first.
func (c *Client) FetchBreaking(ctx context.Context) (Digest, error) {
	d, err := c.fetch(ctx, c.Catalog.Breaking(), BreakingItemsPerFeed)
	if err != nil {
		return Digest{}, fmt.Errorf("breaking: %w", err)
	}
	rank(d.Items, "")
	d.Items = truncate(d.Items, BreakingMaxItems)
	return d, nil
}

// fetch retrieves sources concurrently. A failing source is logged and
// skipped; an error is returned only when every source fails.
func (c *Client) fetch(ctx context.Context, sources []Source, perFeed int) (Digest, error) {
	if len(sources) == 0 {
		return Digest{}, ErrNoSources
	}
	results := make([][]Item, len(sources))
	errs := make([]error, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	if c.Concurrency > 0 {
		g.SetLimit(c.Concurrency)
	}
	for i, src := range sources {
		g.Go(func() error {
			items, err := c.fetchSource(gctx, src, perFeed)
			if err != nil {
				c.Logger.Warn("feed fetch failed", "source", src.Name, "url", src.URL, "error", err)
				errs[i] = classify(err, src.Name)
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(sources) {
		return Digest{}, platformerrors.Wrapf(errors.Join(errs...), platformerrors.CodeUnavailable, "all %d feeds failed", failed)
	}

	merged := make([]Item, 0)
	for _, items := range results {
		merged = append(merged, items...)
	}
	return Digest{
		Items:       dedupe(merged),
		TotalFeeds:  len(sources),
		FailedFeeds: failed,
		FetchedAt:   c.now().UTC(),
	}, nil
}

func (c *Client) fetchSource(ctx context.Context, src Source, limit int) ([]Item, error) {
	p := gofeed.NewParser()
	p.Client = c.HTTP
	feed, err := p.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, err
	}
	return normalize(src.Name, feed.Items, limit), nil
}

// classify tags a single feed failure with a platform error code.
func classify(err error, source string) error {
	var httpErr gofeed.HTTPError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return platformerrors.Wrap(err, platformerrors.CodeTimeout, source)
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests:
		return platformerrors.Wrap(err, platformerrors.CodeRateLimit, source)
	case errors.As(err, &httpErr):
		return platformerrors.Wrap(err, platformerrors.CodeUnavailable, source)
	default:
		return platformerrors.Wrap(err, platformerrors.CodeNetwork, source)
	}
}

// normalize converts parsed feed entries into Items, keeping at most limit
// entries that have a title.
func normalize(source string, entries []*gofeed.Item, limit int) []Item {
	out := make([]Item, 0, min(len(entries), limit))
	for _, e := range entries {
		if len(out) == limit {
			break
		}
		if e == nil {
			continue
		}
		title, link := strings.TrimSpace(e.Title), strings.TrimSpace(e.Link)
		if title == "" {
			continue
		}
		out = append(out, Item{
			ID:          fmt.Sprintf("%s-%d-%s", source, len(out), firstNonEmpty(link, title)),
			Title:       title,
			URL:         firstNonEmpty(link, "#"),
			Source:      source,
			PublishedAt: publishedAt(e),
		})
	}
	return out
}

func publishedAt(e *gofeed.Item) *time.Time {
	if e.PublishedParsed != nil {
		t := e.PublishedParsed.UTC()
		return &t
	}
	if e.UpdatedParsed != nil {
		t := e.UpdatedParsed.UTC()
		return &t
	}
	return nil
}

// dedupe drops repeated headlines from the same source, keeping the first.
func dedupe(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		key := it.Source + ":" + it.Title
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// rank orders items with titles mentioning topic first, then newest first.
// Undated items sort last.
func rank(items []Item, topic string) {
	topic = strings.ToLower(topic)
	sort.SliceStable(items, func(i, j int) bool {
		if topic != "" {
			mi := strings.Contains(strings.ToLower(items[i].Title), topic)
			mj := strings.Contains(strings.ToLower(items[j].Title), topic)
			if mi != mj {
				return mi
			}
		}
		return unixOf(items[i].PublishedAt) > unixOf(items[j].PublishedAt)
	})
}

func unixOf(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func truncate(items []Item, n int) []Item {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
