package feeds

import "time"

// Item is a normalized headline.
type Item struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Source      string     `json:"source"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// Digest is the merged, ranked result of fetching a set of feeds.
type Digest struct {
	Topic       string    `json:"topic,omitempty"`
	Items       []Item    `json:"items"`
	TotalFeeds  int       `json:"totalFeeds"`
	FailedFeeds int       `json:"failedFeeds"`
	FetchedAt   time.Time `json:"fetchedAt"`
}
