package pipeline

import "strings"

// Channel group values persisted on events.
const (
	groupDirect   = "direct"
	groupOrganic  = "organic"
	groupPaid     = "paid"
	groupSocial   = "social"
	groupEmail    = "email"
	groupReferral = "referral"
)

var paidMediums = map[string]bool{
	"cpc":         true,
	"ppc":         true,
	"paid":        true,
	"paid_search": true,
	"paid_social": true,
	"display":     true,
	"banner":      true,
	"retargeting": true,
}

var socialMediums = map[string]bool{
	"social":         true,
	"social-media":   true,
	"social_media":   true,
	"social-network": true,
}

var searchDomains = []string{
	"google.", "bing.com", "duckduckgo.com", "search.yahoo.", "baidu.com",
	"yandex.", "ecosia.org", "qwant.com", "startpage.com", "search.brave.com",
}

var socialDomains = []string{
	"facebook.com", "instagram.com", "twitter.com", "x.com", "t.co",
	"linkedin.com", "pinterest.", "reddit.com", "tiktok.com", "youtube.com",
	"threads.net", "mastodon.", "news.ycombinator.com",
}

// classifyChannel derives the specific channel and channel group for an
// event from its UTM parameters and referrer domain.
func classifyChannel(utmSource, utmMedium, referrerDomain string, isDirect bool) (channel, group string) {
	medium := strings.ToLower(utmMedium)
	source := strings.ToLower(utmSource)

	switch {
	case paidMediums[medium]:
		if medium == "paid_social" {
			return "paid_social", groupPaid
		}
		return "paid_search", groupPaid
	case medium == "email" || source == "email" || medium == "newsletter":
		return "email", groupEmail
	case medium == "affiliate":
		return "affiliate", groupPaid
	case socialMediums[medium] || matchesDomain(referrerDomain, socialDomains):
		return "organic_social", groupSocial
	case medium == "organic" || matchesDomain(referrerDomain, searchDomains):
		return "organic_search", groupOrganic
	case isDirect && source == "" && medium == "":
		return "direct", groupDirect
	case referrerDomain != "":
		return "referral", groupReferral
	default:
		// UTM-tagged traffic with an unrecognized medium keeps its own label.
		if medium != "" {
			return medium, groupReferral
		}
		return "direct", groupDirect
	}
}

func matchesDomain(domain string, patterns []string) bool {
	if domain == "" {
		return false
	}
	domain = strings.ToLower(domain)
	for _, p := range patterns {
		if strings.Contains(domain, p) {
			return true
		}
	}
	return false
}
