package rss

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_syncs_total",
		Help: "Feed syncs by result.",
	}, []string{"result"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedhub_sync_duration_seconds",
		Help:    "Time spent syncing a single feed.",
		Buckets: prometheus.DefBuckets,
	})

	itemsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_items_added_total",
		Help: "Items inserted by syncs.",
	})

	itemsPatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_items_patched_total",
		Help: "Existing items whose engagement fields changed.",
	})

	feedsDeactivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_feeds_deactivated_total",
		Help: "Feeds switched off after repeated failures.",
	})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedhub_pass_duration_seconds",
		Help:    "Duration of bulk sync passes.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	activeFeeds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedhub_active_feeds",
		Help: "Active feeds at the start of the last pass.",
	})
)
