package allowlist

import (
	"context"
	"net/url"
	"strings"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
)

// Reasons returned alongside a refusal.
const (
	ReasonInvalidURL    = "invalid url"
	ReasonHomepage      = "homepage or index url"
	ReasonDomain        = "host not in entity outlets"
	ReasonRobots        = "disallowed by robots.txt"
	ReasonBlockedDomain = "host is blocked"
)

// Authorizer implements discovery.Authorizer.
type Authorizer struct {
	robots  RobotsPolicy
	blocked []string
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithRobots adds a robots.txt check.
func WithRobots(policy RobotsPolicy) Option {
	return func(a *Authorizer) { a.robots = policy }
}

// WithBlockedDomains refuses these hosts and their subdomains.
func WithBlockedDomains(domains []string) Option {
	return func(a *Authorizer) { a.blocked = append(a.blocked, domains...) }
}

// New builds an Authorizer.
func New(opts ...Option) *Authorizer {
	a := &Authorizer{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allowed implements discovery.Authorizer.
func (a *Authorizer) Allowed(ctx context.Context, rawURL string, entity discovery.Entity) (bool, string) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return false, ReasonInvalidURL
	}
	if IsHomepageOrIndex(rawURL) {
		return false, ReasonHomepage
	}
	if len(a.blocked) > 0 && HostAllowed(parsed.Hostname(), a.blocked) {
		return false, ReasonBlockedDomain
	}
	if !HostAllowed(parsed.Hostname(), entity.AllowedDomains) {
		return false, ReasonDomain
	}
	if a.robots != nil && !a.robots.Allowed(ctx, rawURL) {
		return false, ReasonRobots
	}
	return true, ""
}

var _ discovery.Authorizer = (*Authorizer)(nil)
