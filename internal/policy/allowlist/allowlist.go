// Package allowlist decides whether a candidate URL may be fetched for an
// entity at all.
package allowlist

import (
	"context"
	"net/url"
	"strings"
)

var homepagePaths = []string{
	"",
	"index.html",
	"index.php",
	"home",
	"main",
	"category/car-reviews",
	"car-reviews",
	"reviews",
	"blog",
	"news",
	"articles",
	"page/1",
	"page/2",
	"page/3",
	"page/4",
	"page/5",
}

var categorySegments = []string{
	"/category/",
	"/tag/",
	"/archives/",
	"/page/",
	"/reviews/",
	"/news/",
	"/blog/",
}

var articleHints = []string{"2024", "2025", "review-", "-test-", "-drive-"}

// IsHomepageOrIndex reports whether rawURL points at a homepage, index or
// category listing rather than a single article.
func IsHomepageOrIndex(rawURL string) bool {
	parsed, err := url.Parse(strings.ToLower(rawURL))
	if err != nil {
		return false
	}
	p := strings.Trim(parsed.Path, "/")
	for _, pattern := range homepagePaths {
		if p == pattern || strings.HasSuffix(p, "/"+pattern) {
			return true
		}
	}
	for _, segment := range categorySegments {
		if strings.Contains(p, segment) && !containsAny(p, articleHints) {
			return true
		}
	}
	return false
}

// HostAllowed reports whether host equals one of domains or is a subdomain of
// one. An empty list allows every host.
func HostAllowed(host string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// RobotsPolicy is consulted last, after the cheap local checks.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}
