// Package discovery resolves arbitrary web URLs to feed document URLs.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bryan-buckman/feedhub/internal/fetch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// ErrFeedNotFound means every discovery step came up empty.
var ErrFeedNotFound = errors.New("could not discover feed")

// Error is returned when a candidate URL cannot be resolved. It wraps
// ErrFeedNotFound, or the URL or transport failure that stopped resolution.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("discover %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conventional feed locations, probed in order.
var commonPaths = []string{"/feed", "/rss", "/atom.xml", "/feed.xml", "/rss.xml", "/index.xml"}

// Auto-discovery link selectors, in priority order.
var linkSelectors = []string{
	`link[type="application/rss+xml"]`,
	`link[type="application/atom+xml"]`,
	`link[rel~="alternate"][type*="rss"]`,
	`link[rel~="alternate"][type*="atom"]`,
}

var discoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedhub_discovery_total",
	Help: "Discovery attempts by the step that resolved them.",
}, []string{"result"})

// Config holds the per-step timeouts.
type Config struct {
	ProbeTimeout time.Duration
	PageTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 10 * time.Second
	}
}

// Resolver finds the feed behind a web page.
type Resolver struct {
	client    *fetch.Client
	cfg       Config
	platforms []Platform
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithPlatforms replaces the hosting conventions table.
func WithPlatforms(platforms ...Platform) Option {
	return func(r *Resolver) {
		r.platforms = platforms
	}
}

// NewResolver creates a resolver that fetches through client.
func NewResolver(client *fetch.Client, cfg Config, opts ...Option) *Resolver {
	cfg.defaults()
	r := &Resolver{
		client:    client,
		cfg:       cfg,
		platforms: DefaultPlatforms,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover returns the feed URL for candidate. Individual probe failures are
// treated as misses; only an unusable URL or a failed page fetch ends the
// search early.
func (r *Resolver) Discover(ctx context.Context, candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	u, err := url.Parse(candidate)
	if err != nil {
		return "", r.fail(candidate, "error", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", r.fail(candidate, "error", fmt.Errorf("unsupported url %q", candidate))
	}
	origin := u.Scheme + "://" + u.Host
	logger := log.WithField("url", candidate)

	// The URL may already be the feed.
	if r.probe(ctx, candidate) {
		return r.found(logger, candidate, "direct"), nil
	}

	if p, ok := platformFor(r.platforms, u.Hostname()); ok {
		feedURL := origin + p.FeedPath
		if r.probe(ctx, feedURL) {
			return r.found(logger, feedURL, "platform"), nil
		}
	}

	page, err := r.client.Get(ctx, candidate, r.cfg.PageTimeout)
	var statusErr *fetch.StatusError
	switch {
	case errors.As(err, &statusErr):
		// No usable page, but conventional paths may still answer.
		logger.WithError(err).Debug("Page fetch rejected, probing common paths")
	case err != nil:
		return "", r.fail(candidate, "error", err)
	case page.IsFeed():
		return r.found(logger, candidate, "page"), nil
	default:
		if link := findFeedLink(page); link != "" {
			return r.found(logger, link, "link"), nil
		}
	}

	for _, path := range commonPaths {
		if ctx.Err() != nil {
			return "", r.fail(candidate, "error", ctx.Err())
		}
		feedURL := origin + path
		if r.probe(ctx, feedURL) {
			return r.found(logger, feedURL, "probe"), nil
		}
	}

	return "", r.fail(candidate, "not_found", ErrFeedNotFound)
}

// probe reports whether rawURL answers with a feed content type.
func (r *Resolver) probe(ctx context.Context, rawURL string) bool {
	resp, err := r.client.Get(ctx, rawURL, r.cfg.ProbeTimeout)
	if err != nil {
		log.WithField("url", rawURL).WithError(err).Debug("Probe failed")
		return false
	}
	return resp.IsFeed()
}

func (r *Resolver) found(logger *log.Entry, feedURL, step string) string {
	discoveries.WithLabelValues(step).Inc()
	logger.WithFields(log.Fields{"feed_url": feedURL, "step": step}).Info("Discovered feed")
	return feedURL
}

func (r *Resolver) fail(candidate, result string, err error) error {
	discoveries.WithLabelValues(result).Inc()
	return &Error{URL: candidate, Err: err}
}

// findFeedLink returns the first auto-discovery link in an HTML page,
// resolved against the page's base URL.
func findFeedLink(page *fetch.Response) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return ""
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return ""
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	for _, sel := range linkSelectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href := strings.TrimSpace(s.AttrOr("href", ""))
			if href == "" {
				return true
			}
			ref, err := base.Parse(href)
			if err != nil {
				return true
			}
			found = ref.String()
			return false
		})
		if found != "" {
			return found
		}
	}
	return ""
}
