package rss_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bryan-buckman/feedhub/internal/fetch"
	"github.com/bryan-buckman/feedhub/internal/model"
	"github.com/bryan-buckman/feedhub/internal/rss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPassDeactivatesFailingFeeds(t *testing.T) {
	ctx := context.Background()
	good := newUpstream(t, rssDocument("Good", rssItem{guid: "a", title: "A"}))
	bad := newUpstream(t, "")
	bad.serve(http.StatusBadGateway, "text/plain", "down")

	store := newStore(t)
	fetcher := newFetcher(store)
	healthy := createFeed(t, store, good.URL+"/rss", "Good")
	failing := createFeed(t, store, bad.URL+"/rss", "Bad")
	scheduler := rss.NewScheduler(fetcher, store, rss.SchedulerConfig{})

	for pass := 1; pass <= model.MaxConsecutiveErrors; pass++ {
		result, err := scheduler.RunPass(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Feeds)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, 1, result.Succeeded)

		stored := reload(t, store, failing.ID)
		assert.Equal(t, pass, stored.ErrorCount)
		if pass < model.MaxConsecutiveErrors {
			assert.True(t, stored.IsActive, "pass %d", pass)
			assert.Zero(t, result.Deactivated)
		} else {
			assert.False(t, stored.IsActive)
			assert.Equal(t, 1, result.Deactivated)
		}
	}

	result, err := scheduler.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Feeds, "inactive feeds are not polled")
	assert.Zero(t, result.Failed)
	assert.Equal(t, model.MaxConsecutiveErrors, reload(t, store, failing.ID).ErrorCount)
	assert.True(t, reload(t, store, healthy.ID).IsActive)

	// Reactivation puts the feed back into rotation with a clean slate.
	require.NoError(t, store.ReactivateFeed(ctx, failing.ID))
	bad.serve(http.StatusOK, "application/rss+xml", rssDocument("Bad", rssItem{guid: "x", title: "X"}))
	result, err = scheduler.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.NewItems)
	stored := reload(t, store, failing.ID)
	assert.True(t, stored.IsActive)
	assert.Zero(t, stored.ErrorCount)
}

func TestRunPassWithNoFeeds(t *testing.T) {
	store := newStore(t)
	scheduler := rss.NewScheduler(newFetcher(store), store, rss.SchedulerConfig{})

	result, err := scheduler.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Feeds)
	assert.Empty(t, result.Results)
	assert.Equal(t, rss.StateIdle, scheduler.State())
}

func TestRunPassParallel(t *testing.T) {
	store := newStore(t)
	var feeds []model.Feed
	for _, name := range []string{"one", "two", "three", "four"} {
		up := newUpstream(t, rssDocument(name, rssItem{guid: name + "-1", title: name}, rssItem{guid: name + "-2", title: name}))
		feeds = append(feeds, createFeed(t, store, up.URL+"/rss", name))
	}
	fetcher := rss.NewFetcher(store, fetch.New(fetch.Config{}), rss.Options{Concurrency: 3})
	scheduler := rss.NewScheduler(fetcher, store, rss.SchedulerConfig{})

	result, err := scheduler.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(feeds), result.Feeds)
	assert.Equal(t, len(feeds), result.Succeeded)
	assert.Equal(t, 2*len(feeds), result.NewItems)
	assert.Zero(t, result.Skipped)
	assert.Len(t, result.Results, len(feeds))
}

func TestFetchAllCountsCancelledSyncsAsSkipped(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	store := newStore(t)
	feed := createFeed(t, store, slow.URL+"/rss", "Slow")
	fetcher := newFetcher(store)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	result, err := fetcher.FetchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Feeds)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Results, 1)
	assert.ErrorIs(t, result.Results[0].Error, context.DeadlineExceeded)

	stored := reload(t, store, feed.ID)
	assert.Zero(t, stored.ErrorCount)
	assert.Empty(t, stored.LastError)
}

func TestSchedulerStartStop(t *testing.T) {
	up := newUpstream(t, rssDocument("Tick", rssItem{guid: "a", title: "A"}))
	store := newStore(t)
	feed := createFeed(t, store, up.URL+"/rss", "Tick")
	scheduler := rss.NewScheduler(newFetcher(store), store, rss.SchedulerConfig{
		Interval: time.Hour,
		Warmup:   10 * time.Millisecond,
	})

	assert.False(t, scheduler.Running())
	scheduler.Start(context.Background())
	scheduler.Start(context.Background())
	assert.True(t, scheduler.Running())

	require.Eventually(t, func() bool {
		count, err := store.CountItems(context.Background(), feed.ID)
		return err == nil && count == 1
	}, 5*time.Second, 10*time.Millisecond)

	scheduler.Stop()
	scheduler.Stop()
	assert.False(t, scheduler.Running())
	assert.Equal(t, rss.StateIdle, scheduler.State())
}

func TestSchedulerStopsWithParentContext(t *testing.T) {
	store := newStore(t)
	scheduler := rss.NewScheduler(newFetcher(store), store, rss.SchedulerConfig{Interval: time.Hour, Warmup: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	cancel()

	// Stop still returns once the loop has observed the cancellation.
	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
