package heartbeat

import "errors"

// ErrRefreshTimeout is recorded when a fetch does not finish within
// Options.MaxRefresh.
var ErrRefreshTimeout = errors.New("heartbeat: refresh timed out")

// FetchError wraps a failure returned by a Fetcher.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "heartbeat: fetch failed: " + e.Err.Error() }

func (e *FetchError) Unwrap() error { return e.Err }
