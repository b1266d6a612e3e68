package cmd

import (
	"context"
	"fmt"

	"github.com/bryan-buckman/feedhub/internal/config"
	"github.com/bryan-buckman/feedhub/internal/database"
	"github.com/bryan-buckman/feedhub/internal/discovery"
	"github.com/bryan-buckman/feedhub/internal/fetch"
	"github.com/bryan-buckman/feedhub/internal/rss"
	"github.com/bryan-buckman/feedhub/internal/subscription"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

func RootApp() *cli.App {
	return &cli.App{
		Name:  "feedhub",
		Usage: "Discover, fetch and keep RSS and Atom feeds in sync",
		Description: `feedhub resolves site URLs to their feeds, stores feeds and their
		items in SQLite or PostgreSQL, and polls every active feed on a fixed
		interval. Feeds that fail five times in a row are deactivated.

		Settings are read from feedhub.hcl and feedhub.local.hcl (or --config)
		and can be overridden via environment variables, e.g.:

		database.driver => FEEDHUB_DATABASE_DRIVER=postgres
		addr => FEEDHUB_ADDR=:3000
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to an HCL config file",
				EnvVars: []string{"FEEDHUB_CONFIG"},
			},
		},
		Before: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}
			ctx.App.Metadata = map[string]interface{}{configKey: cfg}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			discoverCmd(),
			refreshCmd(),
			seedCmd(),
			opmlCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func setupLogging(cfg config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func configFrom(ctx *cli.Context) config.Config {
	cfg, _ := ctx.App.Metadata[configKey].(config.Config)
	return cfg
}

// app holds the wired components a command needs.
type app struct {
	cfg       config.Config
	store     database.Store
	fetcher   *rss.Fetcher
	scheduler *rss.Scheduler
	subs      *subscription.Service
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.WithFields(log.Fields{"driver": store.DatabaseType()}).Debug("Database ready")

	client := fetch.New(fetch.Config{
		UserAgent:          cfg.Fetch.UserAgent,
		MaxBytes:           cfg.Fetch.MaxBytes,
		InsecureSkipVerify: cfg.Fetch.InsecureSkipVerify,
		DefaultTimeout:     cfg.Fetch.FeedTimeout,
	})
	fetcher := rss.NewFetcher(store, client, rss.Options{
		Concurrency:  cfg.Scheduler.Concurrency,
		FeedTimeout:  cfg.Fetch.FeedTimeout,
		MaxPerDomain: cfg.Fetch.MaxPerDomain,
		DomainDelay:  cfg.Fetch.DomainDelay,
	})
	resolver := discovery.NewResolver(client, discovery.Config{
		ProbeTimeout: cfg.Fetch.ProbeTimeout,
		PageTimeout:  cfg.Fetch.PageTimeout,
	})
	return &app{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		scheduler: rss.NewScheduler(fetcher, store, rss.SchedulerConfig{
			Interval:    cfg.Scheduler.Interval(),
			Warmup:      cfg.Scheduler.Warmup,
			PassTimeout: cfg.Scheduler.PassTimeout,
		}),
		subs: subscription.New(store, resolver, fetcher),
	}, nil
}

func (a *app) Close() {
	a.subs.Wait()
	if err := a.store.Close(); err != nil {
		log.WithError(err).Error("Error closing database")
	}
}

// withApp wires the app for the duration of fn.
func withApp(ctx *cli.Context, fn func(a *app) error) error {
	a, err := newApp(ctx.Context, configFrom(ctx))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
