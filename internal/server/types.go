package server

import (
	"errors"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"newswire/internal/feeds"
	"newswire/internal/heartbeat"
)

type topicsResponse struct {
	Topics  []string `json:"topics"`
	Default string   `json:"default"`
}

// digestResponse is the body of /api/news and /api/breaking. Items is empty,
// never null, when nothing has been fetched yet.
type digestResponse struct {
	Topic       string       `json:"topic,omitempty"`
	Items       []feeds.Item `json:"items"`
	TotalFeeds  int          `json:"totalFeeds"`
	LastUpdated *time.Time   `json:"lastUpdated,omitempty"`
	StaleAt     *time.Time   `json:"staleAt,omitempty"`
	Refreshing  bool         `json:"refreshing"`
	Error       string       `json:"error,omitempty"`
	ErrorCode   string       `json:"errorCode,omitempty"`
}

func newDigestResponse(e heartbeat.Entry[feeds.Digest]) digestResponse {
	resp := digestResponse{Items: []feeds.Item{}, Refreshing: e.Refreshing}
	if e.HasValue {
		resp.Topic = e.Value.Topic
		resp.TotalFeeds = e.Value.TotalFeeds
		resp.LastUpdated = timePtr(e.UpdatedAt)
		resp.StaleAt = timePtr(e.StaleAt)
		if e.Value.Items != nil {
			resp.Items = e.Value.Items
		}
	}
	if e.LastError != nil {
		resp.Error = e.LastError.Error()
		resp.ErrorCode = errorCode(e.LastError)
	}
	return resp
}

// errorCode maps a refresh failure to a platform error code.
func errorCode(err error) string {
	if errors.Is(err, heartbeat.ErrRefreshTimeout) {
		return string(platformerrors.CodeTimeout)
	}
	return string(platformerrors.GetCode(err))
}

type refreshResult struct {
	Key   string `json:"key"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type scheduledResponse struct {
	Status    string          `json:"status"`
	Refreshed []refreshResult `json:"refreshed"`
}

type cacheStatus struct {
	Key        string     `json:"key"`
	HasValue   bool       `json:"hasValue"`
	Stale      bool       `json:"stale"`
	Refreshing bool       `json:"refreshing"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	StaleAt    *time.Time `json:"staleAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	ErrorCode  string     `json:"errorCode,omitempty"`
	Items      int        `json:"items"`
	Started    uint64     `json:"refreshesStarted"`
	Succeeded  uint64     `json:"refreshesSucceeded"`
	Failed     uint64     `json:"refreshesFailed"`
	TimedOut   uint64     `json:"refreshesTimedOut"`
}

type statusResponse struct {
	Caches []cacheStatus `json:"caches"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
