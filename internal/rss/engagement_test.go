package rss_test

import (
	"testing"

	"github.com/bryan-buckman/feedhub/internal/rss"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestExtractEngagement(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		score    *int
		comments *int
	}{
		{
			name: "empty",
			text: "",
		},
		{
			name:     "hacker news description",
			text:     "Article URL: https://x.example/ Comments URL: https://news.example/item?id=1 Points: 42 # Comments: 10",
			score:    lo.ToPtr(42),
			comments: lo.ToPtr(10),
		},
		{
			name:  "case insensitive",
			text:  "POINTS:7",
			score: lo.ToPtr(7),
		},
		{
			name:     "comments only",
			text:     "comments:   3 so far",
			comments: lo.ToPtr(3),
		},
		{
			name: "label without number",
			text: "Points: many",
		},
		{
			name: "comments url is not a count",
			text: "Comments URL: https://news.example/item?id=99",
		},
		{
			name:  "first match wins",
			text:  "Points: 1 Points: 2",
			score: lo.ToPtr(1),
		},
		{
			name: "overflow is ignored",
			text: "Points: 99999999999999999999999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rss.ExtractEngagement(tt.text)
			assert.Equal(t, tt.score, got.Score)
			assert.Equal(t, tt.comments, got.CommentsCount)
		})
	}
}
