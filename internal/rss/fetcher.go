// Package rss keeps feeds in sync with their upstream documents.
package rss

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bryan-buckman/feedhub/internal/database"
	"github.com/bryan-buckman/feedhub/internal/fetch"
	"github.com/bryan-buckman/feedhub/internal/model"
	log "github.com/sirupsen/logrus"
)

// Concurrency settings
const (
	// MaxConcurrencyPostgres is the number of parallel syncs for PostgreSQL
	MaxConcurrencyPostgres = 10
	// MaxConcurrencySQLite is the number of parallel syncs for SQLite (limited due to locking)
	MaxConcurrencySQLite = 1
	// MaxConcurrencyPerDomain limits parallel requests to any single domain
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain
	DelayBetweenDomainRequests = 500 * time.Millisecond
	// DefaultFeedTimeout bounds a single feed document fetch
	DefaultFeedTimeout = 10 * time.Second
)

// maxErrorLength caps the message stored in a feed's last_error.
const maxErrorLength = 200

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	perDomain   int
	delay       time.Duration
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newDomainLimiter(perDomain int, delay time.Duration) *domainLimiter {
	return &domainLimiter{
		perDomain:   perDomain,
		delay:       delay,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, dl.perDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if wait := dl.delay - time.Since(lastReq); !lastReq.IsZero() && wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-sem
			return ctx.Err()
		}
	}
	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

// extractDomain gets the host from a URL.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	return u.Host
}

// feedLocks serialises syncs of the same feed so their merges never
// interleave.
type feedLocks struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (l *feedLocks) lock(feedID int64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*refMutex)
	}
	m, ok := l.locks[feedID]
	if !ok {
		m = &refMutex{}
		l.locks[feedID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(l.locks, feedID)
		}
		l.mu.Unlock()
	}
}

// Options tunes a Fetcher. Zero values pick the defaults; a negative
// DomainDelay turns request spacing off.
type Options struct {
	Concurrency  int
	FeedTimeout  time.Duration
	MaxPerDomain int
	DomainDelay  time.Duration
}

// Fetcher retrieves, parses and merges feed documents.
type Fetcher struct {
	db            database.Store
	client        *fetch.Client
	concurrency   int
	feedTimeout   time.Duration
	domainLimiter *domainLimiter
	locks         feedLocks
}

// NewFetcher creates a fetcher. Without an explicit concurrency the
// database decides: parallel for PostgreSQL, sequential for SQLite.
func NewFetcher(db database.Store, client *fetch.Client, opts Options) *Fetcher {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = MaxConcurrencySQLite
		if db.SupportsHighConcurrency() {
			concurrency = MaxConcurrencyPostgres
		}
	}
	if opts.FeedTimeout <= 0 {
		opts.FeedTimeout = DefaultFeedTimeout
	}
	if opts.MaxPerDomain <= 0 {
		opts.MaxPerDomain = MaxConcurrencyPerDomain
	}
	switch {
	case opts.DomainDelay == 0:
		opts.DomainDelay = DelayBetweenDomainRequests
	case opts.DomainDelay < 0:
		opts.DomainDelay = 0
	}
	return &Fetcher{
		db:            db,
		client:        client,
		concurrency:   concurrency,
		feedTimeout:   opts.FeedTimeout,
		domainLimiter: newDomainLimiter(opts.MaxPerDomain, opts.DomainDelay),
	}
}

// FeedInfo describes a feed document without storing anything.
type FeedInfo struct {
	FeedURL     string         `json:"feed_url"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	SiteURL     string         `json:"site_url,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	Type        model.FeedType `json:"type"`
	Items       int            `json:"items"`
}

// Preview fetches and parses feedURL.
func (f *Fetcher) Preview(ctx context.Context, feedURL string) (*FeedInfo, error) {
	doc, err := f.retrieve(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feedURL, err)
	}
	return &FeedInfo{
		FeedURL:     feedURL,
		Title:       doc.Title,
		Description: doc.Description,
		SiteURL:     doc.SiteURL,
		ImageURL:    doc.ImageURL,
		Type:        doc.Type,
		Items:       len(doc.Entries),
	}, nil
}

// retrieve downloads and parses a feed document under the domain limiter.
func (f *Fetcher) retrieve(ctx context.Context, feedURL string) (*document, error) {
	domain := extractDomain(feedURL)
	if err := f.domainLimiter.acquire(ctx, domain); err != nil {
		return nil, fmt.Errorf("rate limit cancelled: %w", err)
	}
	resp, err := f.client.Get(ctx, feedURL, f.feedTimeout)
	f.domainLimiter.release(domain)
	if err != nil {
		return nil, err
	}

	doc, err := parseDocument(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return doc, nil
}

// Sync fetches a feed, merges its entries and updates the feed's health.
// Returns the number of new items added. A failed fetch or parse is recorded
// on the feed and returned as a *FetchError.
func (f *Fetcher) Sync(ctx context.Context, feed model.Feed) (int, error) {
	unlock := f.locks.lock(feed.ID)
	defer unlock()

	logger := log.WithFields(log.Fields{"feed_id": feed.ID, "feed_url": feed.FeedURL})
	started := time.Now()
	defer func() { syncDuration.Observe(time.Since(started).Seconds()) }()

	doc, err := f.retrieve(ctx, feed.FeedURL)
	if err != nil {
		if ctx.Err() != nil {
			// Aborted by our caller, not by the upstream.
			return 0, fmt.Errorf("sync %s aborted: %w", feed.FeedURL, ctx.Err())
		}
		return 0, f.recordFailure(ctx, feed, err, logger)
	}

	// A merge that has started runs to completion.
	ctx = context.WithoutCancel(ctx)

	f.refreshMetadata(ctx, feed, doc, logger)

	now := time.Now()
	added := 0
	for _, e := range doc.Entries {
		isNew, err := f.mergeEntry(ctx, feed.ID, e, now)
		if err != nil {
			logger.WithError(err).WithField("guid", e.Key).Error("Error merging item")
			continue
		}
		if isNew {
			added++
		}
	}

	if err := f.db.RecordFetchSuccess(ctx, feed.ID, now); err != nil {
		logger.WithError(err).Error("Error recording fetch success")
	}

	syncsTotal.WithLabelValues("success").Inc()
	itemsAdded.Add(float64(added))
	logger.WithFields(log.Fields{"entries": len(doc.Entries), "added": added}).Debug("Feed synced")
	return added, nil
}

func (f *Fetcher) recordFailure(ctx context.Context, feed model.Feed, cause error, logger *log.Entry) error {
	errMsg := truncateMessage(cause.Error(), maxErrorLength)
	count, err := f.db.RecordFetchError(context.WithoutCancel(ctx), feed.ID, errMsg)
	if err != nil {
		logger.WithError(err).Error("Error recording fetch failure")
		count = feed.ErrorCount + 1
	}
	syncsTotal.WithLabelValues("failure").Inc()
	logger.WithError(cause).WithField("error_count", count).Warn("Feed fetch failed")
	return &FetchError{FeedID: feed.ID, FeedURL: feed.FeedURL, ErrorCount: count, Err: cause}
}

// truncateMessage cuts s to at most n bytes without splitting a rune.
func truncateMessage(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// mergeEntry inserts e if its key is new for the feed, otherwise patches the
// engagement fields that changed. Returns whether an item was inserted.
func (f *Fetcher) mergeEntry(ctx context.Context, feedID int64, e entry, now time.Time) (bool, error) {
	eng := ExtractEngagement(e.Description)

	existing, err := f.db.GetItemByGUID(ctx, feedID, e.Key)
	if errors.Is(err, database.ErrNotFound) {
		published := e.Published
		if published.IsZero() {
			published = now
		}
		title := e.Title
		if title == "" {
			title = "Untitled"
		}
		inserted, insertErr := f.db.InsertItem(ctx, &model.Item{
			FeedID:        feedID,
			GUID:          e.Key,
			Title:         title,
			Link:          e.Link,
			Description:   e.Description,
			Content:       e.Content,
			Author:        e.Author,
			PublishedAt:   published,
			CommentsLink:  e.CommentsLink,
			CommentsCount: eng.CommentsCount,
			Score:         eng.Score,
			FetchedAt:     now,
		})
		if insertErr != nil || inserted {
			return inserted, insertErr
		}
		// Another sync inserted it first; patch that row instead.
		existing, err = f.db.GetItemByGUID(ctx, feedID, e.Key)
	}
	if err != nil {
		return false, err
	}

	patch := diffItem(existing, eng, e.CommentsLink)
	if patch.IsEmpty() {
		return false, nil
	}
	if err := f.db.PatchItem(ctx, existing.ID, patch); err != nil {
		return false, err
	}
	itemsPatched.Inc()
	return false, nil
}

// refreshMetadata fills in a placeholder title and a missing icon from the
// document.
func (f *Fetcher) refreshMetadata(ctx context.Context, feed model.Feed, doc *document, logger *log.Entry) {
	title, icon := feed.Title, feed.IconURL
	if doc.Title != "" && doc.Title != feed.Title && isPlaceholderTitle(feed) {
		title = doc.Title
	}
	if icon == "" && doc.ImageURL != "" {
		icon = doc.ImageURL
	}
	if title == feed.Title && icon == feed.IconURL {
		return
	}
	if err := f.db.UpdateFeedMetadata(ctx, feed.ID, title, icon); err != nil {
		logger.WithError(err).Error("Error updating feed metadata")
		return
	}
	logger.WithFields(log.Fields{"title": title, "icon_url": icon}).Info("Updated feed metadata")
}

// isPlaceholderTitle reports whether the feed's title was never taken from
// its document.
func isPlaceholderTitle(feed model.Feed) bool {
	switch feed.Title {
	case "", feed.FeedURL, feed.URL, Hostname(feed.FeedURL), Hostname(feed.URL):
		return true
	}
	return false
}

// Hostname returns the host name of rawURL, or "" if it has none.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// FetchResult holds the result of syncing a single feed.
type FetchResult struct {
	FeedID   int64
	FeedURL  string
	NewItems int
	Error    error
}

// PassResult summarises a bulk pass.
type PassResult struct {
	Feeds       int
	Succeeded   int
	Failed      int
	Skipped     int
	NewItems    int
	Deactivated int
	Results     []FetchResult
	Duration    time.Duration
}

func (r *PassResult) add(res FetchResult) {
	r.Results = append(r.Results, res)
	if res.Error != nil {
		var fetchErr *FetchError
		if !errors.As(res.Error, &fetchErr) &&
			(errors.Is(res.Error, context.Canceled) || errors.Is(res.Error, context.DeadlineExceeded)) {
			// Cut short by the pass, nothing recorded on the feed. Counted as skipped.
			return
		}
		r.Failed++
		return
	}
	r.Succeeded++
	r.NewItems += res.NewItems
}

// FetchAll syncs every active feed with the configured concurrency.
// A failing feed never stops the pass; a cancelled ctx stops handing out
// feeds that have not started.
func (f *Fetcher) FetchAll(ctx context.Context) (*PassResult, error) {
	started := time.Now()
	feeds, err := f.db.GetActiveFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active feeds: %w", err)
	}
	activeFeeds.Set(float64(len(feeds)))

	result := &PassResult{Feeds: len(feeds)}
	if len(feeds) > 0 {
		log.WithFields(log.Fields{"feeds": len(feeds), "concurrency": f.concurrency}).Info("Syncing feeds")
		if f.concurrency <= 1 {
			f.fetchSequential(ctx, feeds, result)
		} else {
			f.fetchParallel(ctx, feeds, result)
		}
	}
	result.Skipped = result.Feeds - result.Succeeded - result.Failed
	result.Duration = time.Since(started)
	return result, nil
}

// fetchSequential syncs feeds one at a time (for SQLite).
func (f *Fetcher) fetchSequential(ctx context.Context, feeds []model.Feed, result *PassResult) {
	for i, feed := range feeds {
		if ctx.Err() != nil {
			log.Warnf("Pass cancelled after %d/%d feeds", i, len(feeds))
			return
		}
		count, err := f.Sync(ctx, feed)
		result.add(FetchResult{FeedID: feed.ID, FeedURL: feed.FeedURL, NewItems: count, Error: err})

		if (i+1)%50 == 0 {
			log.Infof("Progress: %d/%d feeds synced", i+1, len(feeds))
		}
	}
}

// fetchParallel syncs feeds using a worker pool (for PostgreSQL).
func (f *Fetcher) fetchParallel(ctx context.Context, feeds []model.Feed, result *PassResult) {
	var wg sync.WaitGroup
	feedChan := make(chan model.Feed)
	resultChan := make(chan FetchResult, len(feeds))

	workers := min(f.concurrency, len(feeds))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for feed := range feedChan {
				count, err := f.Sync(ctx, feed)
				resultChan <- FetchResult{FeedID: feed.ID, FeedURL: feed.FeedURL, NewItems: count, Error: err}
			}
		}()
	}

	go func() {
		defer close(feedChan)
		for _, feed := range feeds {
			select {
			case <-ctx.Done():
				return
			case feedChan <- feed:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for res := range resultChan {
		result.add(res)
		if done := len(result.Results); done%50 == 0 {
			log.Infof("Progress: %d/%d feeds synced", done, len(feeds))
		}
	}
}
