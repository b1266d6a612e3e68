package discovery

import (
	"net/url"
	"strings"

	"github.com/bryan-buckman/feedhub/internal/model"
)

// Platform is a hosting service whose feeds live at a fixed path.
type Platform struct {
	Host     string // matches the host itself and any subdomain
	Type     model.FeedType
	FeedPath string
}

// DefaultPlatforms lists the hosting conventions known to the resolver.
var DefaultPlatforms = []Platform{
	{Host: "substack.com", Type: model.FeedTypeSubstack, FeedPath: "/feed"},
}

func (p Platform) matches(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == p.Host || strings.HasSuffix(hostname, "."+p.Host)
}

func platformFor(platforms []Platform, hostname string) (Platform, bool) {
	for _, p := range platforms {
		if p.matches(hostname) {
			return p, true
		}
	}
	return Platform{}, false
}

// DetectFeedType classifies a URL by its hostname alone.
func DetectFeedType(rawURL string) model.FeedType {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.FeedTypeRSS
	}
	if p, ok := platformFor(DefaultPlatforms, u.Hostname()); ok {
		return p.Type
	}
	return model.FeedTypeRSS
}
