package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/feedhub/internal/model"
	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Hand-written statements use '?' and go through Rebind; built statements
// take their placeholder style from flavor.
type sqlStore struct {
	db     *sqlx.DB
	flavor sqlbuilder.Flavor
}

const feedColumns = `id, title, url, feed_url, type, icon_url, last_fetched, fetch_interval_minutes,
	is_active, error_count, last_error, created_at, updated_at`

var itemColumns = []string{
	"id", "feed_id", "guid", "title", "link", "description", "content", "author",
	"published_at", "comments_link", "comments_count", "score", "reader_content", "fetched_at",
}

type dbFeed struct {
	ID                   int64        `db:"id"`
	Title                string       `db:"title"`
	URL                  string       `db:"url"`
	FeedURL              string       `db:"feed_url"`
	Type                 string       `db:"type"`
	IconURL              string       `db:"icon_url"`
	LastFetched          sql.NullTime `db:"last_fetched"`
	FetchIntervalMinutes int          `db:"fetch_interval_minutes"`
	IsActive             bool         `db:"is_active"`
	ErrorCount           int          `db:"error_count"`
	LastError            string       `db:"last_error"`
	CreatedAt            time.Time    `db:"created_at"`
	UpdatedAt            time.Time    `db:"updated_at"`
}

func (f dbFeed) model() model.Feed {
	feed := model.Feed{
		ID:                   f.ID,
		Title:                f.Title,
		URL:                  f.URL,
		FeedURL:              f.FeedURL,
		Type:                 model.FeedType(f.Type),
		IconURL:              f.IconURL,
		FetchIntervalMinutes: f.FetchIntervalMinutes,
		IsActive:             f.IsActive,
		ErrorCount:           f.ErrorCount,
		LastError:            f.LastError,
		CreatedAt:            f.CreatedAt,
		UpdatedAt:            f.UpdatedAt,
	}
	if f.LastFetched.Valid {
		t := f.LastFetched.Time
		feed.LastFetched = &t
	}
	return feed
}

type dbItem struct {
	ID            int64         `db:"id"`
	FeedID        int64         `db:"feed_id"`
	GUID          string        `db:"guid"`
	Title         string        `db:"title"`
	Link          string        `db:"link"`
	Description   string        `db:"description"`
	Content       string        `db:"content"`
	Author        string        `db:"author"`
	PublishedAt   time.Time     `db:"published_at"`
	CommentsLink  string        `db:"comments_link"`
	CommentsCount sql.NullInt64 `db:"comments_count"`
	Score         sql.NullInt64 `db:"score"`
	ReaderContent string        `db:"reader_content"`
	FetchedAt     time.Time     `db:"fetched_at"`
}

func (it dbItem) model() model.Item {
	return model.Item{
		ID:            it.ID,
		FeedID:        it.FeedID,
		GUID:          it.GUID,
		Title:         it.Title,
		Link:          it.Link,
		Description:   it.Description,
		Content:       it.Content,
		Author:        it.Author,
		PublishedAt:   it.PublishedAt,
		CommentsLink:  it.CommentsLink,
		CommentsCount: nullInt(it.CommentsCount),
		Score:         nullInt(it.Score),
		ReaderContent: it.ReaderContent,
		FetchedAt:     it.FetchedAt,
	}
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	return lo.ToPtr(int(n.Int64))
}

func intArg(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// --- Feed Methods ---

// CreateFeed adds a new feed. Returns the ID.
func (s *sqlStore) CreateFeed(ctx context.Context, feed *model.Feed) (int64, error) {
	normalizeFeed(feed)
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO feeds (title, url, feed_url, type, icon_url, fetch_interval_minutes, is_active,
			error_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
		RETURNING id`),
		feed.Title, feed.URL, feed.FeedURL, string(feed.Type), feed.IconURL,
		feed.FetchIntervalMinutes, feed.IsActive, feed.CreatedAt, feed.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert feed %s: %w", feed.FeedURL, err)
	}
	feed.ID = id
	return id, nil
}

// GetOrCreateFeed finds a feed by feed URL, or creates it. Concurrent callers
// with the same feed URL converge on one row.
func (s *sqlStore) GetOrCreateFeed(ctx context.Context, feed *model.Feed) (*model.Feed, bool, error) {
	normalizeFeed(feed)
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO feeds (title, url, feed_url, type, icon_url, fetch_interval_minutes, is_active,
			error_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
		ON CONFLICT (feed_url) DO NOTHING
		RETURNING id`),
		feed.Title, feed.URL, feed.FeedURL, string(feed.Type), feed.IconURL,
		feed.FetchIntervalMinutes, feed.IsActive, feed.CreatedAt, feed.UpdatedAt,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing, err := s.GetFeedByURL(ctx, feed.FeedURL)
		return existing, false, err
	case err != nil:
		return nil, false, fmt.Errorf("insert feed %s: %w", feed.FeedURL, err)
	}
	created, err := s.GetFeedByID(ctx, id)
	return created, true, err
}

func normalizeFeed(feed *model.Feed) {
	now := time.Now().UTC()
	switch {
	case feed.Type == "":
		feed.Type = model.FeedTypeRSS
	case !feed.Type.Valid():
		feed.Type = model.FeedTypeCustom
	}
	if feed.FetchIntervalMinutes <= 0 {
		feed.FetchIntervalMinutes = model.DefaultFetchIntervalMinutes
	}
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = now
	}
	if feed.UpdatedAt.IsZero() {
		feed.UpdatedAt = now
	}
	if feed.ID == 0 && !feed.IsActive {
		// New feeds always start active.
		feed.IsActive = true
	}
}

// GetFeedByID returns a single feed.
func (s *sqlStore) GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error) {
	return s.getFeed(ctx, "SELECT "+feedColumns+" FROM feeds WHERE id = ?", feedID)
}

// GetFeedByURL returns the feed with the given feed URL.
func (s *sqlStore) GetFeedByURL(ctx context.Context, feedURL string) (*model.Feed, error) {
	return s.getFeed(ctx, "SELECT "+feedColumns+" FROM feeds WHERE feed_url = ?", feedURL)
}

func (s *sqlStore) getFeed(ctx context.Context, query string, args ...interface{}) (*model.Feed, error) {
	var row dbFeed
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	feed := row.model()
	return &feed, nil
}

// GetActiveFeeds returns the feeds the scheduler should visit.
func (s *sqlStore) GetActiveFeeds(ctx context.Context) ([]model.Feed, error) {
	return s.selectFeeds(ctx, "SELECT "+feedColumns+" FROM feeds WHERE is_active = ? ORDER BY last_fetched, id", true)
}

// GetAllFeeds returns all feeds, active or not.
func (s *sqlStore) GetAllFeeds(ctx context.Context) ([]model.Feed, error) {
	return s.selectFeeds(ctx, "SELECT "+feedColumns+" FROM feeds ORDER BY title, id")
}

// GetFailingFeeds returns active feeds whose error count reached maxErrors.
func (s *sqlStore) GetFailingFeeds(ctx context.Context, maxErrors int) ([]model.Feed, error) {
	return s.selectFeeds(ctx, "SELECT "+feedColumns+" FROM feeds WHERE is_active = ? AND error_count >= ? ORDER BY id", true, maxErrors)
}

func (s *sqlStore) selectFeeds(ctx context.Context, query string, args ...interface{}) ([]model.Feed, error) {
	var rows []dbFeed
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row dbFeed, _ int) model.Feed {
		return row.model()
	}), nil
}

// UpdateFeedMetadata sets the display title and icon.
func (s *sqlStore) UpdateFeedMetadata(ctx context.Context, feedID int64, title, iconURL string) error {
	return s.execOne(ctx, "UPDATE feeds SET title = ?, icon_url = ?, updated_at = ? WHERE id = ?",
		title, iconURL, time.Now().UTC(), feedID)
}

// RecordFetchSuccess sets last_fetched and clears the error state.
func (s *sqlStore) RecordFetchSuccess(ctx context.Context, feedID int64, t time.Time) error {
	return s.execOne(ctx, "UPDATE feeds SET last_fetched = ?, error_count = 0, last_error = '', updated_at = ? WHERE id = ?",
		t.UTC(), time.Now().UTC(), feedID)
}

// RecordFetchError increments the error count and stores the message.
// Returns the new error count.
func (s *sqlStore) RecordFetchError(ctx context.Context, feedID int64, errMsg string) (int, error) {
	var count int
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		UPDATE feeds SET error_count = error_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
		RETURNING error_count`),
		errMsg, time.Now().UTC(), feedID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

// DeactivateFeed removes a feed from scheduled passes.
func (s *sqlStore) DeactivateFeed(ctx context.Context, feedID int64) error {
	return s.execOne(ctx, "UPDATE feeds SET is_active = ?, updated_at = ? WHERE id = ?",
		false, time.Now().UTC(), feedID)
}

// ReactivateFeed puts a feed back on the schedule with a clean error state.
func (s *sqlStore) ReactivateFeed(ctx context.Context, feedID int64) error {
	return s.execOne(ctx, "UPDATE feeds SET is_active = ?, error_count = 0, last_error = '', updated_at = ? WHERE id = ?",
		true, time.Now().UTC(), feedID)
}

func (s *sqlStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Item Methods ---

// GetItemByGUID looks up an item by its dedup key within a feed.
func (s *sqlStore) GetItemByGUID(ctx context.Context, feedID int64, guid string) (*model.Item, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(itemColumns...).From("items").Where(
		sb.Equal("feed_id", feedID),
		sb.Equal("guid", guid),
	)
	query, args := sb.Build()

	var row dbItem
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	item := row.model()
	return &item, nil
}

// InsertItem inserts an item if its GUID doesn't exist for that feed.
// Returns whether it was new; item.ID is set when it was.
func (s *sqlStore) InsertItem(ctx context.Context, item *model.Item) (bool, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO items (feed_id, guid, title, link, description, content, author, published_at,
			comments_link, comments_count, score, reader_content, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)
		ON CONFLICT (feed_id, guid) DO NOTHING
		RETURNING id`),
		item.FeedID, item.GUID, item.Title, item.Link, item.Description, item.Content, item.Author,
		item.PublishedAt.UTC(), item.CommentsLink, intArg(item.CommentsCount), intArg(item.Score),
		item.FetchedAt.UTC(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	item.ID = id
	return true, nil
}

// PatchItem writes only the fields present in patch.
func (s *sqlStore) PatchItem(ctx context.Context, itemID int64, patch model.ItemPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("items")
	var assignments []string
	if patch.Score != nil {
		assignments = append(assignments, ub.Assign("score", *patch.Score))
	}
	if patch.CommentsCount != nil {
		assignments = append(assignments, ub.Assign("comments_count", *patch.CommentsCount))
	}
	if patch.CommentsLink != nil {
		assignments = append(assignments, ub.Assign("comments_link", *patch.CommentsLink))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", itemID))
	query, args := ub.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetItems returns items for a feed, newest first. limit <= 0 means no limit.
func (s *sqlStore) GetItems(ctx context.Context, feedID int64, limit int) ([]model.Item, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(itemColumns...).From("items").Where(sb.Equal("feed_id", feedID))
	sb.OrderBy("published_at").Desc()
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	var rows []dbItem
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row dbItem, _ int) model.Item {
		return row.model()
	}), nil
}

// CountItems returns how many items a feed has.
func (s *sqlStore) CountItems(ctx context.Context, feedID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind("SELECT COUNT(*) FROM items WHERE feed_id = ?"), feedID)
	return n, err
}
