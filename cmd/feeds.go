package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bryan-buckman/feedhub/internal/opml"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func discoverCmd() *cli.Command {
	return &cli.Command{
		Name:      "discover",
		Usage:     "Resolve a site URL to its feed without storing anything",
		ArgsUsage: "<url>",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return cli.Exit("discover takes exactly one URL", 1)
			}
			return withApp(ctx, func(a *app) error {
				preview, err := a.subs.Discover(ctx.Context, ctx.Args().First())
				if err != nil {
					return err
				}
				fmt.Fprintf(ctx.App.Writer, "%s\n  title: %s\n  description: %s\n",
					preview.FeedURL, preview.Title, preview.Description)
				return nil
			})
		},
	}
}

func refreshCmd() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Run one sync pass over all active feeds, or sync a single feed",
		Description: `Runs what the scheduler runs on each tick, once, then exits. Suitable
		for an external cron. With --feed-id only that feed is synced.`,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "feed-id",
				Usage: "Sync only this feed",
			},
		},
		Action: func(ctx *cli.Context) error {
			return withApp(ctx, func(a *app) error {
				if ctx.IsSet("feed-id") {
					added, err := a.subs.Refresh(ctx.Context, ctx.Int64("feed-id"))
					if err != nil {
						return err
					}
					fmt.Fprintf(ctx.App.Writer, "Feed refreshed, %d new items\n", added)
					return nil
				}

				result, err := a.scheduler.RunPass(ctx.Context)
				if err != nil {
					return err
				}
				fmt.Fprintf(ctx.App.Writer, "Feed fetch complete. Success: %d, Failed: %d, New items: %d, Deactivated: %d\n",
					result.Succeeded, result.Failed, result.NewItems, result.Deactivated)
				return nil
			})
		},
	}
}

// seedFile is a TOML list of feeds to store, e.g.
//
//	[[feeds]]
//	title = "Hacker News"
//	url = "https://news.ycombinator.com/rss"
//	site = "https://news.ycombinator.com/"
type seedFile struct {
	Feeds []struct {
		Title string `toml:"title"`
		URL   string `toml:"url"`
		Site  string `toml:"site,omitempty"`
	} `toml:"feeds"`
}

func loadSeedFile(path string) ([]opml.FeedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading seed file: %w", err)
	}
	var seed seedFile
	if err := toml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("error parsing seed file: %w", err)
	}
	entries := make([]opml.FeedEntry, 0, len(seed.Feeds))
	for _, f := range seed.Feeds {
		entries = append(entries, opml.FeedEntry{
			Title:   strings.TrimSpace(f.Title),
			FeedURL: strings.TrimSpace(f.URL),
			SiteURL: strings.TrimSpace(f.Site),
		})
	}
	return entries, nil
}

func seedCmd() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Store the feeds listed in a TOML file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "file",
				Usage: "TOML file with [[feeds]] entries",
				Value: "feeds.toml",
			},
		},
		Action: func(ctx *cli.Context) error {
			entries, err := loadSeedFile(ctx.String("file"))
			if err != nil {
				return err
			}
			return withApp(ctx, func(a *app) error {
				return importEntries(ctx, a, entries)
			})
		},
	}
}

func opmlCmd() *cli.Command {
	return &cli.Command{
		Name:  "opml",
		Usage: "Import or export feeds as OPML",
		Subcommands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "Store every feed in an OPML file",
				ArgsUsage: "<file>",
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return cli.Exit("opml import takes exactly one file", 1)
					}
					f, err := os.Open(ctx.Args().First())
					if err != nil {
						return err
					}
					defer f.Close()
					entries, err := opml.Parse(f)
					if err != nil {
						return err
					}
					return withApp(ctx, func(a *app) error {
						return importEntries(ctx, a, entries)
					})
				},
			},
			{
				Name:  "export",
				Usage: "Write all feeds as OPML to stdout or --output",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "File to write instead of stdout",
					},
				},
				Action: func(ctx *cli.Context) error {
					return withApp(ctx, func(a *app) error {
						entries, err := a.subs.Export(ctx.Context)
						if err != nil {
							return err
						}
						data, err := opml.Export("feedhub feeds", entries)
						if err != nil {
							return err
						}
						if out := ctx.String("output"); out != "" {
							return os.WriteFile(out, data, 0o644)
						}
						_, err = ctx.App.Writer.Write(data)
						return err
					})
				},
			},
		},
	}
}

func importEntries(c *cli.Context, a *app, entries []opml.FeedEntry) error {
	res, err := a.subs.Import(c.Context, entries)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"total": res.Total, "imported": res.Imported, "existing": res.Existing, "failed": res.Failed}).Info("Feeds imported")
	fmt.Fprintf(c.App.Writer, "Imported %d of %d feeds (%d already present, %d failed)\n",
		res.Imported, res.Total, res.Existing, res.Failed)
	return nil
}
