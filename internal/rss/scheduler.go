package rss

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryan-buckman/feedhub/internal/database"
	"github.com/bryan-buckman/feedhub/internal/model"
	log "github.com/sirupsen/logrus"
)

// DefaultPollingIntervalMinutes is the cadence of scheduled passes.
const DefaultPollingIntervalMinutes = 15

// State is what the scheduler is doing right now.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// SchedulerConfig controls pass timing.
type SchedulerConfig struct {
	Interval    time.Duration
	Warmup      time.Duration // delay before the first pass
	PassTimeout time.Duration
}

func (c *SchedulerConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultPollingIntervalMinutes * time.Minute
	}
	if c.Warmup <= 0 {
		c.Warmup = 5 * time.Second
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = 10 * time.Minute
	}
}

// Scheduler runs bulk passes over all active feeds on a fixed cadence.
type Scheduler struct {
	fetcher *Fetcher
	db      database.Store
	cfg     SchedulerConfig

	mu     sync.Mutex // guards cancel and done
	cancel context.CancelFunc
	done   chan struct{}

	passMu sync.Mutex // one pass at a time
	state  atomic.Int32
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(fetcher *Fetcher, db database.Store, cfg SchedulerConfig) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		fetcher: fetcher,
		db:      db,
		cfg:     cfg,
	}
}

// Start begins the polling loop. A loop that is already running is stopped
// first, so there is never more than one.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.loop(ctx, done)
}

// Stop cancels the loop and waits for it to exit. A pass in progress stops
// handing out feeds; syncs already merging finish first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

// Running reports whether the loop is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// State reports whether a pass is in progress.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	warmup := time.NewTimer(s.cfg.Warmup)
	defer warmup.Stop()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{"interval": s.cfg.Interval, "warmup": s.cfg.Warmup}).Info("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler stopped")
			return
		case <-warmup.C:
			s.runLogged(ctx, "warmup")
		case <-ticker.C:
			s.runLogged(ctx, "tick")
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context, trigger string) {
	result, err := s.RunPass(ctx)
	if err != nil {
		log.WithError(err).WithField("trigger", trigger).Error("Pass failed")
		return
	}
	log.WithFields(log.Fields{
		"trigger":     trigger,
		"feeds":       result.Feeds,
		"succeeded":   result.Succeeded,
		"failed":      result.Failed,
		"skipped":     result.Skipped,
		"new_items":   result.NewItems,
		"deactivated": result.Deactivated,
		"duration":    result.Duration.Round(time.Millisecond),
	}).Info("Pass complete")
}

// RunPass syncs all active feeds once, then deactivates the feeds that have
// failed MaxConsecutiveErrors times in a row.
func (s *Scheduler) RunPass(ctx context.Context) (*PassResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateIdle))

	passCtx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	defer cancel()

	result, err := s.fetcher.FetchAll(passCtx)
	if err != nil {
		return nil, err
	}
	passDuration.Observe(result.Duration.Seconds())

	deactivated, err := s.deactivateFailing(context.WithoutCancel(ctx))
	if err != nil {
		log.WithError(err).Error("Error deactivating failing feeds")
	}
	result.Deactivated = deactivated
	return result, nil
}

func (s *Scheduler) deactivateFailing(ctx context.Context) (int, error) {
	feeds, err := s.db.GetFailingFeeds(ctx, model.MaxConsecutiveErrors)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, feed := range feeds {
		if err := s.db.DeactivateFeed(ctx, feed.ID); err != nil {
			log.WithError(err).WithField("feed_id", feed.ID).Error("Error deactivating feed")
			continue
		}
		n++
		feedsDeactivated.Inc()
		log.WithFields(log.Fields{
			"feed_id":     feed.ID,
			"feed_url":    feed.FeedURL,
			"error_count": feed.ErrorCount,
			"last_error":  feed.LastError,
		}).Warn("Disabled feed due to repeated errors")
	}
	return n, nil
}
