package rss

import (
	"regexp"
	"strconv"

	"github.com/bryan-buckman/feedhub/internal/model"
)

// Link aggregators such as Hacker News put counters in the description.
var (
	pointsPattern   = regexp.MustCompile(`(?i)points:\s*(\d+)`)
	commentsPattern = regexp.MustCompile(`(?i)comments:\s*(\d+)`)
)

// Engagement holds counters scraped from an entry description. Nil means
// the text carried no such counter.
type Engagement struct {
	Score         *int
	CommentsCount *int
}

// ExtractEngagement finds "Points: N" and "Comments: N" in text.
func ExtractEngagement(text string) Engagement {
	return Engagement{
		Score:         firstInt(pointsPattern, text),
		CommentsCount: firstInt(commentsPattern, text),
	}
}

func firstInt(re *regexp.Regexp, text string) *int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

// diffItem returns the mutable fields of existing that the latest sighting
// changes. Title, body and dates are never part of the diff.
func diffItem(existing *model.Item, eng Engagement, commentsLink string) model.ItemPatch {
	var patch model.ItemPatch
	if eng.Score != nil && !sameInt(existing.Score, eng.Score) {
		patch.Score = eng.Score
	}
	if eng.CommentsCount != nil && !sameInt(existing.CommentsCount, eng.CommentsCount) {
		patch.CommentsCount = eng.CommentsCount
	}
	if commentsLink != "" && commentsLink != existing.CommentsLink {
		patch.CommentsLink = &commentsLink
	}
	return patch
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
