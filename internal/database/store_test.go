package database

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bryan-buckman/feedhub/internal/model"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns every backend under test. PostgreSQL joins when
// FEEDHUB_TEST_POSTGRES_DSN points at a scratch database.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}

	sqlite, err := New(filepath.Join(t.TempDir(), "feedhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	out["sqlite"] = sqlite

	if dsn := os.Getenv("FEEDHUB_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgres(context.Background(), dsn)
		require.NoError(t, err)
		_, err = pg.db.Exec("TRUNCATE items, feeds RESTART IDENTITY CASCADE")
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func TestCreateFeedDefaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		feed := &model.Feed{Title: "Blog", URL: "https://blog.example/", FeedURL: "https://blog.example/feed"}
		id, err := s.CreateFeed(ctx, feed)
		require.NoError(t, err)
		assert.Equal(t, id, feed.ID)

		got, err := s.GetFeedByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Blog", got.Title)
		assert.Equal(t, model.FeedTypeRSS, got.Type)
		assert.Equal(t, model.DefaultFetchIntervalMinutes, got.FetchIntervalMinutes)
		assert.True(t, got.IsActive)
		assert.Zero(t, got.ErrorCount)
		assert.Nil(t, got.LastFetched)

		_, err = s.CreateFeed(ctx, &model.Feed{FeedURL: "https://blog.example/feed"})
		assert.Error(t, err, "feed URLs are unique")

		odd := &model.Feed{FeedURL: "https://odd.example/feed", Type: "gopher"}
		_, err = s.CreateFeed(ctx, odd)
		require.NoError(t, err)
		got, err = s.GetFeedByID(ctx, odd.ID)
		require.NoError(t, err)
		assert.Equal(t, model.FeedTypeCustom, got.Type)

		_, err = s.GetFeedByID(ctx, id+100)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetFeedByURL(ctx, "https://nowhere.example/")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetOrCreateFeed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, created, err := s.GetOrCreateFeed(ctx, &model.Feed{Title: "One", FeedURL: "https://a.example/rss"})
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := s.GetOrCreateFeed(ctx, &model.Feed{Title: "Two", FeedURL: "https://a.example/rss"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, "One", again.Title)
	})
}

func TestGetOrCreateFeedConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		ids := make([]int64, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				feed, _, err := s.GetOrCreateFeed(ctx, &model.Feed{FeedURL: "https://race.example/rss"})
				if assert.NoError(t, err) {
					ids[i] = feed.ID
				}
			}(i)
		}
		wg.Wait()

		assert.Len(t, lo.Uniq(ids), 1)
		feeds, err := s.GetAllFeeds(ctx)
		require.NoError(t, err)
		assert.Len(t, feeds, 1)
	})
}

func TestFeedHealth(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ok := &model.Feed{FeedURL: "https://ok.example/rss"}
		bad := &model.Feed{FeedURL: "https://bad.example/rss"}
		_, err := s.CreateFeed(ctx, ok)
		require.NoError(t, err)
		_, err = s.CreateFeed(ctx, bad)
		require.NoError(t, err)

		for want := 1; want <= 3; want++ {
			count, err := s.RecordFetchError(ctx, bad.ID, "timeout")
			require.NoError(t, err)
			assert.Equal(t, want, count)
		}
		_, err = s.RecordFetchError(ctx, 9999, "x")
		assert.ErrorIs(t, err, ErrNotFound)

		failing, err := s.GetFailingFeeds(ctx, 3)
		require.NoError(t, err)
		require.Len(t, failing, 1)
		assert.Equal(t, bad.ID, failing[0].ID)
		assert.Equal(t, "timeout", failing[0].LastError)

		failing, err = s.GetFailingFeeds(ctx, 4)
		require.NoError(t, err)
		assert.Empty(t, failing)

		require.NoError(t, s.DeactivateFeed(ctx, bad.ID))
		active, err := s.GetActiveFeeds(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{ok.ID}, lo.Map(active, func(f model.Feed, _ int) int64 { return f.ID }))

		failing, err = s.GetFailingFeeds(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, failing, "inactive feeds are not reported again")

		require.NoError(t, s.ReactivateFeed(ctx, bad.ID))
		got, err := s.GetFeedByID(ctx, bad.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Zero(t, got.ErrorCount)
		assert.Empty(t, got.LastError)

		_, err = s.RecordFetchError(ctx, bad.ID, "again")
		require.NoError(t, err)
		fetched := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.RecordFetchSuccess(ctx, bad.ID, fetched))
		got, err = s.GetFeedByID(ctx, bad.ID)
		require.NoError(t, err)
		assert.Zero(t, got.ErrorCount)
		assert.Empty(t, got.LastError)
		require.NotNil(t, got.LastFetched)
		assert.True(t, fetched.Equal(*got.LastFetched))

		assert.ErrorIs(t, s.DeactivateFeed(ctx, 9999), ErrNotFound)
	})
}

func TestUpdateFeedMetadata(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		feed := &model.Feed{Title: "old", FeedURL: "https://meta.example/rss"}
		_, err := s.CreateFeed(ctx, feed)
		require.NoError(t, err)

		require.NoError(t, s.UpdateFeedMetadata(ctx, feed.ID, "new", "https://meta.example/icon.png"))
		got, err := s.GetFeedByURL(ctx, "https://meta.example/rss")
		require.NoError(t, err)
		assert.Equal(t, "new", got.Title)
		assert.Equal(t, "https://meta.example/icon.png", got.IconURL)
	})
}

func TestItems(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		feed := &model.Feed{FeedURL: "https://items.example/rss"}
		_, err := s.CreateFeed(ctx, feed)
		require.NoError(t, err)

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		item := &model.Item{
			FeedID:      feed.ID,
			GUID:        "a",
			Title:       "A",
			Link:        "https://items.example/a",
			PublishedAt: base,
			Score:       lo.ToPtr(5),
			FetchedAt:   base,
		}
		inserted, err := s.InsertItem(ctx, item)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NotZero(t, item.ID)

		dup := *item
		dup.Title = "A again"
		inserted, err = s.InsertItem(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, inserted, "(feed_id, guid) is unique")

		_, err = s.InsertItem(ctx, &model.Item{FeedID: feed.ID, GUID: "b", Title: "B", PublishedAt: base.Add(time.Hour), FetchedAt: base})
		require.NoError(t, err)

		got, err := s.GetItemByGUID(ctx, feed.ID, "a")
		require.NoError(t, err)
		assert.Equal(t, "A", got.Title)
		assert.Equal(t, lo.ToPtr(5), got.Score)
		assert.Nil(t, got.CommentsCount)

		_, err = s.GetItemByGUID(ctx, feed.ID, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PatchItem(ctx, item.ID, model.ItemPatch{CommentsCount: lo.ToPtr(9)}))
		got, err = s.GetItemByGUID(ctx, feed.ID, "a")
		require.NoError(t, err)
		assert.Equal(t, lo.ToPtr(5), got.Score, "absent patch fields are left alone")
		assert.Equal(t, lo.ToPtr(9), got.CommentsCount)
		assert.Equal(t, "https://items.example/a", got.Link)

		require.NoError(t, s.PatchItem(ctx, item.ID, model.ItemPatch{Score: lo.ToPtr(6), CommentsLink: lo.ToPtr("https://c.example/a")}))
		got, err = s.GetItemByGUID(ctx, feed.ID, "a")
		require.NoError(t, err)
		assert.Equal(t, lo.ToPtr(6), got.Score)
		assert.Equal(t, "https://c.example/a", got.CommentsLink)

		require.NoError(t, s.PatchItem(ctx, item.ID, model.ItemPatch{}))
		assert.ErrorIs(t, s.PatchItem(ctx, 9999, model.ItemPatch{Score: lo.ToPtr(1)}), ErrNotFound)

		items, err := s.GetItems(ctx, feed.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, lo.Map(items, func(it model.Item, _ int) string { return it.GUID }))

		items, err = s.GetItems(ctx, feed.ID, 1)
		require.NoError(t, err)
		assert.Len(t, items, 1)

		count, err := s.CountItems(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedhub.db")
	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, Rollback(DriverSQLite, path, 1))
	require.NoError(t, Migrate(DriverSQLite, path))

	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()
	feeds, err := db.GetAllFeeds(context.Background())
	require.NoError(t, err)
	assert.Empty(t, feeds)
}
