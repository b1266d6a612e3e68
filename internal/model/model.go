// Package model defines shared data structures.
package model

import "time"

// FeedType classifies a feed source.
type FeedType string

const (
	FeedTypeRSS      FeedType = "rss"
	FeedTypeAtom     FeedType = "atom"
	FeedTypeSubstack FeedType = "substack"
	FeedTypeCustom   FeedType = "custom"
)

// Valid reports whether t is one of the known feed types.
func (t FeedType) Valid() bool {
	switch t {
	case FeedTypeRSS, FeedTypeAtom, FeedTypeSubstack, FeedTypeCustom:
		return true
	}
	return false
}

// MaxConsecutiveErrors is the number of failed syncs in a row after which a
// feed is deactivated.
const MaxConsecutiveErrors = 5

// DefaultFetchIntervalMinutes is stored on new feeds. The scheduler uses a
// single global cadence; this value is informational.
const DefaultFetchIntervalMinutes = 60

// Feed represents a machine-readable content source, unique by FeedURL.
type Feed struct {
	ID                   int64      `json:"id"`
	Title                string     `json:"title"`
	URL                  string     `json:"url"`      // human-facing site
	FeedURL              string     `json:"feed_url"` // canonical document URL
	Type                 FeedType   `json:"type"`
	IconURL              string     `json:"icon_url,omitempty"`
	LastFetched          *time.Time `json:"last_fetched,omitempty"`
	FetchIntervalMinutes int        `json:"fetch_interval_minutes"`
	IsActive             bool       `json:"is_active"`
	ErrorCount           int        `json:"error_count"`
	LastError            string     `json:"last_error,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Item represents a single entry from a feed, unique by (FeedID, GUID).
type Item struct {
	ID            int64     `json:"id"`
	FeedID        int64     `json:"feed_id"`
	GUID          string    `json:"guid"`
	Title         string    `json:"title"`
	Link          string    `json:"link"`
	Description   string    `json:"description,omitempty"`
	Content       string    `json:"content,omitempty"`
	Author        string    `json:"author,omitempty"`
	PublishedAt   time.Time `json:"published_at"`
	CommentsLink  string    `json:"comments_link,omitempty"`
	CommentsCount *int      `json:"comments_count,omitempty"`
	Score         *int      `json:"score,omitempty"`
	// ReaderContent is written by the reader-mode collaborator and never
	// touched by a sync.
	ReaderContent string    `json:"reader_content,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// ItemPatch holds the mutable item fields that changed since the last sync.
// Nil means unchanged.
type ItemPatch struct {
	Score         *int
	CommentsCount *int
	CommentsLink  *string
}

// IsEmpty reports whether the patch changes nothing.
func (p ItemPatch) IsEmpty() bool {
	return p.Score == nil && p.CommentsCount == nil && p.CommentsLink == nil
}
