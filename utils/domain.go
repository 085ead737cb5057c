package utils

import (
	"net/url"
	"strings"
)

// OriginDomain extracts the request's origin hostname, preferring the Origin
// header and falling back to Referer. Returns "" when neither parses.
func OriginDomain(origin, referer string) string {
	if d := hostOf(origin); d != "" {
		return d
	}
	return hostOf(referer)
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// DomainAllowed reports whether domain matches the allow-list. An empty list
// allows everything. Entries match exactly, and "*.suffix" entries match any
// subdomain of suffix as well as the bare suffix itself. Matching is
// case-insensitive.
func DomainAllowed(domain string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	if domain == "" {
		return false
	}
	domain = strings.ToLower(domain)
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
				return true
			}
			continue
		}
		if domain == entry {
			return true
		}
	}
	return false
}
