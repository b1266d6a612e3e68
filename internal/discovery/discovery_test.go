package discovery_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bryan-buckman/feedhub/internal/discovery"
	"github.com/bryan-buckman/feedhub/internal/fetch"
	"github.com/bryan-buckman/feedhub/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rssDoc = `<?xml version="1.0"?><rss version="2.0"><channel><title>T</title></channel></rss>`

// site serves fixed responses keyed by path; anything else is a 404.
type page struct {
	contentType string
	body        string
}

func newSite(t *testing.T, pages map[string]page) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", p.contentType)
		w.Write([]byte(p.body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newResolver(opts ...discovery.Option) *discovery.Resolver {
	client := fetch.New(fetch.Config{InsecureSkipVerify: true})
	return discovery.NewResolver(client, discovery.Config{
		ProbeTimeout: time.Second,
		PageTimeout:  time.Second,
	}, opts...)
}

func html(head string) page {
	return page{
		contentType: "text/html; charset=utf-8",
		body:        "<!doctype html><html><head>" + head + "</head><body>hello</body></html>",
	}
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name     string
		pages    map[string]page
		path     string
		expected string // path on the test server
	}{
		{
			name: "direct feed response wins over link tags",
			pages: map[string]page{
				"/": {
					contentType: "application/rss+xml",
					body:        `<link rel="alternate" type="application/rss+xml" href="/other.xml">` + rssDoc,
				},
			},
			path:     "/",
			expected: "/",
		},
		{
			name: "relative rss link",
			pages: map[string]page{
				"/blog":          html(`<link rel="alternate" type="application/rss+xml" href="feeds/main.xml">`),
				"/feeds/main.xml": {contentType: "application/rss+xml", body: rssDoc},
			},
			path:     "/blog",
			expected: "/feeds/main.xml",
		},
		{
			name: "rss link preferred over earlier atom link",
			pages: map[string]page{
				"/": html(`<link rel="alternate" type="application/atom+xml" href="/atom">` +
					`<link rel="alternate" type="application/rss+xml" href="/rss-feed">`),
			},
			path:     "/",
			expected: "/rss-feed",
		},
		{
			name: "atom link",
			pages: map[string]page{
				"/": html(`<link rel="alternate" type="application/atom+xml" href="/atom">`),
			},
			path:     "/",
			expected: "/atom",
		},
		{
			name: "base href",
			pages: map[string]page{
				"/": html(`<base href="/site/"><link rel="alternate" type="application/rss+xml" href="index.rss">`),
			},
			path:     "/",
			expected: "/site/index.rss",
		},
		{
			name: "common path probe",
			pages: map[string]page{
				"/":    html(`<title>no feed</title>`),
				"/rss": {contentType: "text/xml", body: rssDoc},
			},
			path:     "/",
			expected: "/rss",
		},
		{
			name: "probe skips html answers",
			pages: map[string]page{
				"/":         html(""),
				"/feed":     html("not a feed"),
				"/atom.xml": {contentType: "application/atom+xml", body: "<feed/>"},
			},
			path:     "/",
			expected: "/atom.xml",
		},
		{
			name: "missing page still probes common paths",
			pages: map[string]page{
				"/index.xml": {contentType: "application/xml", body: rssDoc},
			},
			path:     "/gone",
			expected: "/index.xml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSite(t, tt.pages)
			got, err := newResolver().Discover(context.Background(), srv.URL+tt.path)
			require.NoError(t, err)
			assert.Equal(t, srv.URL+tt.expected, got)
		})
	}
}

func TestDiscoverPlatformConvention(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/p/some-post": html(`<link rel="alternate" type="application/rss+xml" href="/elsewhere.xml">`),
		"/feed":        {contentType: "application/rss+xml", body: rssDoc},
	})

	resolver := newResolver(discovery.WithPlatforms(discovery.Platform{
		Host:     "127.0.0.1",
		Type:     model.FeedTypeSubstack,
		FeedPath: "/feed",
	}))
	got, err := resolver.Discover(context.Background(), srv.URL+"/p/some-post")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/feed", got)
}

func TestDiscoverNotFound(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/": html(`<title>news</title>`),
	})

	_, err := newResolver().Discover(context.Background(), srv.URL+"/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, discovery.ErrFeedNotFound))

	var discErr *discovery.Error
	require.True(t, errors.As(err, &discErr))
	assert.Equal(t, srv.URL+"/", discErr.URL)
}

func TestDiscoverInvalidURL(t *testing.T) {
	for _, candidate := range []string{"not a url", "ftp://example.com/feed", "://missing-scheme"} {
		t.Run(candidate, func(t *testing.T) {
			_, err := newResolver().Discover(context.Background(), candidate)
			require.Error(t, err)
			assert.False(t, errors.Is(err, discovery.ErrFeedNotFound))
		})
	}
}

func TestDiscoverUnreachableHost(t *testing.T) {
	srv := newSite(t, nil)
	addr := srv.URL
	srv.Close()

	_, err := newResolver().Discover(context.Background(), addr+"/")
	require.Error(t, err)
	assert.False(t, errors.Is(err, discovery.ErrFeedNotFound))
}

func TestDetectFeedType(t *testing.T) {
	tests := []struct {
		url      string
		expected model.FeedType
	}{
		{"https://someone.substack.com/p/post", model.FeedTypeSubstack},
		{"https://substack.com", model.FeedTypeSubstack},
		{"https://SomeOne.Substack.com", model.FeedTypeSubstack},
		{"https://example.com/feed", model.FeedTypeRSS},
		{"https://substack.com.example.org", model.FeedTypeRSS},
		{"%%%", model.FeedTypeRSS},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.expected, discovery.DetectFeedType(tt.url))
		})
	}
}
