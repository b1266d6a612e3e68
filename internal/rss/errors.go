package rss

import "fmt"

// FetchError reports a failed retrieval or parse of a feed document. The
// failure has already been recorded on the feed when it is returned.
type FetchError struct {
	FeedID     int64
	FeedURL    string
	ErrorCount int // consecutive failures including this one
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch feed %s: %v", e.FeedURL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
