// Package fetch provides the HTTP client used for feed discovery and sync.
//
// The client skips TLS certificate verification when configured to. Many
// small sites serve feeds behind self-signed or expired certificates, so
// the relaxed policy is opt-in here and nowhere else in the process.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultUserAgent mimics a desktop browser; some hosts reject bot agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// ErrBodyTooLarge is returned when a response is larger than Config.MaxBytes.
var ErrBodyTooLarge = errors.New("response too large")

// Config configures a Client.
type Config struct {
	UserAgent          string
	MaxBytes           int64
	InsecureSkipVerify bool
	// DefaultTimeout applies when Get is called with a zero timeout.
	DefaultTimeout time.Duration
}

func (c *Config) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
}

// Client performs single GET requests with a per-call timeout.
type Client struct {
	http *http.Client
	cfg  Config
}

// Response is a fully read HTTP response.
type Response struct {
	URL         string // final URL after redirects
	StatusCode  int
	ContentType string
	Body        []byte
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // feeds with broken certificates are common
	}
	return &Client{
		http: &http.Client{Transport: transport},
		cfg:  cfg,
	}
}

// Get fetches rawURL, giving up after timeout.
func (c *Client) Get(ctx context.Context, rawURL string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/html;q=0.8, */*;q=0.5")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrBodyTooLarge, c.cfg.MaxBytes)
	}
	return &Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// IsFeed reports whether the response declares a feed content type.
func (r *Response) IsFeed() bool {
	return IsFeedContentType(r.ContentType)
}

// IsFeedContentType reports whether a Content-Type header names an XML,
// RSS or Atom document. XHTML pages are not feeds.
func IsFeedContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "xhtml") {
		return false
	}
	return strings.Contains(ct, "xml") || strings.Contains(ct, "rss") || strings.Contains(ct, "atom")
}
