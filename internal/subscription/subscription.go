// Package subscription turns user supplied URLs into stored, synced feeds.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/bryan-buckman/feedhub/internal/database"
	"github.com/bryan-buckman/feedhub/internal/discovery"
	"github.com/bryan-buckman/feedhub/internal/model"
	"github.com/bryan-buckman/feedhub/internal/opml"
	"github.com/bryan-buckman/feedhub/internal/rss"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// ErrURLRequired is returned when no URL was given.
var ErrURLRequired = errors.New("url is required")

// ErrUnreadableFeed is returned when a discovered feed cannot be fetched or
// parsed.
var ErrUnreadableFeed = errors.New("feed could not be read")

// Service coordinates discovery, the feed store and the fetcher.
type Service struct {
	db       database.Store
	resolver *discovery.Resolver
	fetcher  *rss.Fetcher

	background sync.WaitGroup
}

func New(db database.Store, resolver *discovery.Resolver, fetcher *rss.Fetcher) *Service {
	return &Service{db: db, resolver: resolver, fetcher: fetcher}
}

// Result describes the outcome of Subscribe.
type Result struct {
	Feed        *model.Feed `json:"feed"`
	Created     bool        `json:"created"`
	Reactivated bool        `json:"reactivated"`
	ItemsAdded  int         `json:"items_added"`
	// SyncError is set when the feed was stored but its first sync failed.
	SyncError string `json:"sync_error,omitempty"`
}

// Subscribe resolves rawURL to a feed and makes sure it is stored, active
// and populated. Nothing is written when discovery or the first parse fails.
func (s *Service) Subscribe(ctx context.Context, rawURL string) (*Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrURLRequired
	}

	feedURL, err := s.resolver.Discover(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	logger := log.WithFields(log.Fields{"url": rawURL, "feed_url": feedURL})

	existing, err := s.db.GetFeedByURL(ctx, feedURL)
	switch {
	case err == nil:
		return s.resubscribe(ctx, existing, logger)
	case !errors.Is(err, database.ErrNotFound):
		return nil, err
	}

	info, err := s.fetcher.Preview(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableFeed, err)
	}

	feedType := discovery.DetectFeedType(rawURL)
	if feedType == model.FeedTypeRSS && info.Type == model.FeedTypeAtom {
		feedType = model.FeedTypeAtom
	}
	feed, created, err := s.db.GetOrCreateFeed(ctx, &model.Feed{
		Title:   lo.Ternary(info.Title != "", info.Title, rss.Hostname(rawURL)),
		URL:     rawURL,
		FeedURL: feedURL,
		Type:    feedType,
		IconURL: info.ImageURL,
	})
	if err != nil {
		return nil, fmt.Errorf("store feed: %w", err)
	}
	if !created {
		// Someone subscribed to the same feed meanwhile.
		return s.resubscribe(ctx, feed, logger)
	}
	logger.WithField("feed_id", feed.ID).Info("Subscribed to new feed")

	result := &Result{Created: true}
	result.ItemsAdded, err = s.fetcher.Sync(ctx, *feed)
	if err != nil {
		result.SyncError = err.Error()
	}
	result.Feed, err = s.db.GetFeedByID(ctx, feed.ID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resubscribe reactivates a known feed and backfills it when it has no items.
func (s *Service) resubscribe(ctx context.Context, feed *model.Feed, logger *log.Entry) (*Result, error) {
	result := &Result{Feed: feed}
	if !feed.IsActive {
		if err := s.db.ReactivateFeed(ctx, feed.ID); err != nil {
			return nil, fmt.Errorf("reactivate feed: %w", err)
		}
		logger.WithField("feed_id", feed.ID).Info("Reactivated feed")
		result.Reactivated = true
		reloaded, err := s.db.GetFeedByID(ctx, feed.ID)
		if err != nil {
			return nil, err
		}
		result.Feed = reloaded
	}

	count, err := s.db.CountItems(ctx, feed.ID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		s.syncInBackground(ctx, *result.Feed)
	}
	return result, nil
}

// syncInBackground syncs feed without holding up the caller.
func (s *Service) syncInBackground(ctx context.Context, feed model.Feed) {
	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.fetcher.Sync(ctx, feed); err != nil {
			log.WithError(err).WithField("feed_id", feed.ID).Warn("Initial sync failed")
		}
	}()
}

// Wait blocks until background syncs started by Subscribe have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// Preview is what Discover reports about a URL.
type Preview struct {
	FeedURL     string `json:"feedUrl"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Discover resolves rawURL and describes the feed without storing it.
func (s *Service) Discover(ctx context.Context, rawURL string) (*Preview, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrURLRequired
	}
	feedURL, err := s.resolver.Discover(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	info, err := s.fetcher.Preview(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableFeed, err)
	}
	return &Preview{FeedURL: feedURL, Title: info.Title, Description: info.Description}, nil
}

// Refresh syncs one feed now, whatever its state.
func (s *Service) Refresh(ctx context.Context, feedID int64) (int, error) {
	feed, err := s.db.GetFeedByID(ctx, feedID)
	if err != nil {
		return 0, err
	}
	return s.fetcher.Sync(ctx, *feed)
}

// ImportResult counts the outcome of Import.
type ImportResult struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Existing int `json:"existing"`
	Failed   int `json:"failed"`
}

// Import stores feed URLs as given, skipping discovery. Feeds are picked up
// by the next scheduled pass.
func (s *Service) Import(ctx context.Context, entries []opml.FeedEntry) (ImportResult, error) {
	res := ImportResult{Total: len(entries)}
	for _, e := range entries {
		logger := log.WithField("feed_url", e.FeedURL)
		if !validFeedURL(e.FeedURL) {
			logger.Warn("Skipping invalid feed URL")
			res.Failed++
			continue
		}
		_, created, err := s.db.GetOrCreateFeed(ctx, &model.Feed{
			Title:   lo.Ternary(e.Title != "", e.Title, rss.Hostname(e.FeedURL)),
			URL:     lo.Ternary(e.SiteURL != "", e.SiteURL, e.FeedURL),
			FeedURL: e.FeedURL,
			Type:    discovery.DetectFeedType(e.FeedURL),
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			logger.WithError(err).Error("Error importing feed")
			res.Failed++
			continue
		}
		if created {
			res.Imported++
		} else {
			res.Existing++
		}
	}
	return res, nil
}

// Export lists every stored feed for an OPML document.
func (s *Service) Export(ctx context.Context) ([]opml.FeedEntry, error) {
	feeds, err := s.db.GetAllFeeds(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(feeds, func(f model.Feed, _ int) opml.FeedEntry {
		return opml.FeedEntry{Title: f.Title, FeedURL: f.FeedURL, SiteURL: f.URL}
	}), nil
}

func validFeedURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
