package rss

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"
	"time"

	"github.com/bryan-buckman/feedhub/internal/model"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	gofeedrss "github.com/mmcdole/gofeed/rss"
	"github.com/samber/lo"
)

// document is a parsed feed reduced to the fields a sync stores.
type document struct {
	Title       string
	Description string
	SiteURL     string
	ImageURL    string
	Type        model.FeedType
	Entries     []entry
}

// entry is one raw feed entry with its dedup key already computed.
type entry struct {
	Key          string
	Title        string
	Link         string
	Description  string
	Content      string
	Author       string
	Published    time.Time // zero when the source gives no date
	CommentsLink string
}

var textPolicy = func() *bluemonday.Policy {
	p := bluemonday.StrictPolicy()
	p.AddSpaceWhenStrippingTag(true)
	return p
}()

// parseDocument parses an RSS, Atom or JSON feed. RSS goes through the raw
// RSS parser first because the universal item model drops <comments>.
func parseDocument(body []byte) (*document, error) {
	var (
		feed     *gofeed.Feed
		comments []string
		err      error
	)
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS:
		raw, perr := (&gofeedrss.Parser{}).Parse(bytes.NewReader(body))
		if perr != nil {
			return nil, perr
		}
		comments = lo.Map(raw.Items, func(it *gofeedrss.Item, _ int) string {
			return strings.TrimSpace(it.Comments)
		})
		feed, err = (&gofeed.DefaultRSSTranslator{}).Translate(raw)
	default:
		feed, err = gofeed.NewParser().Parse(bytes.NewReader(body))
	}
	if err != nil {
		return nil, err
	}

	doc := &document{
		Title:       strings.TrimSpace(feed.Title),
		Description: snippet(feed.Description),
		SiteURL:     feed.Link,
		Type:        documentType(feed.FeedType),
	}
	if feed.Image != nil {
		doc.ImageURL = feed.Image.URL
	}
	for i, item := range feed.Items {
		if item == nil {
			continue
		}
		e := newEntry(item)
		if i < len(comments) {
			e.CommentsLink = comments[i]
		}
		doc.Entries = append(doc.Entries, e)
	}
	return doc, nil
}

func documentType(feedType string) model.FeedType {
	if feedType == "atom" {
		return model.FeedTypeAtom
	}
	return model.FeedTypeRSS
}

func newEntry(item *gofeed.Item) entry {
	e := entry{
		Title:   strings.TrimSpace(item.Title),
		Link:    strings.TrimSpace(item.Link),
		Content: item.Content,
		Author:  authorName(item),
	}
	if e.Link == "" && len(item.Links) > 0 {
		e.Link = strings.TrimSpace(item.Links[0])
	}

	desc := item.Description
	if desc == "" {
		desc = item.Content
	}
	e.Description = snippet(desc)

	switch {
	case item.PublishedParsed != nil:
		e.Published = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		e.Published = *item.UpdatedParsed
	}

	e.Key = dedupKey(item, e)
	return e
}

// dedupKey falls back from guid to link to a source id element. Entries
// with none of those get a content hash so distinct entries stay distinct.
func dedupKey(item *gofeed.Item, e entry) string {
	key, ok := lo.Coalesce(
		strings.TrimSpace(item.GUID),
		e.Link,
		strings.TrimSpace(item.Custom["id"]),
	)
	if ok {
		return key
	}
	return contentHash(e.Title, e.Description, item.Published)
}

func contentHash(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return "sha256:" + hex.EncodeToString(h[:])
}

func authorName(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

// snippet reduces HTML to whitespace-normalised plain text.
func snippet(s string) string {
	if s == "" {
		return ""
	}
	text := html.UnescapeString(textPolicy.Sanitize(s))
	return strings.Join(strings.Fields(text), " ")
}
