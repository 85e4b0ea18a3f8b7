// Package web fetches article candidates over HTTP with colly and, when a page
// turns out to be a script shell, re-renders it headlessly.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/policy/allowlist"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/source/extract"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/source/headless"
)

// Source names reported on extracts.
const (
	SourceWeb      = "web"
	SourceHeadless = "headless"
)

// ErrRedirectedToIndex marks a candidate whose final URL is a listing page.
var ErrRedirectedToIndex = errors.New("redirected to homepage or index page")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	PromoteBelow  int
	MinTextLength int
	MaxBodyBytes  int
}

// RateLimiter delays a fetch until the URL's domain has budget.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements discovery.SourceAdapter for ordinary web pages.
type Fetcher struct {
	cfg       Config
	base      *colly.Collector
	transport http.RoundTripper
	limiter   RateLimiter
	renderer  headless.Renderer
	detector  *Detector
	logger    *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithRateLimiter applies a per-domain limiter before each fetch.
func WithRateLimiter(l RateLimiter) Option { return func(f *Fetcher) { f.limiter = l } }

// WithRenderer enables headless promotion.
func WithRenderer(r headless.Renderer) Option { return func(f *Fetcher) { f.renderer = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(f *Fetcher) { f.logger = l } }

// WithTransport overrides the HTTP transport.
func WithTransport(rt http.RoundTripper) Option { return func(f *Fetcher) { f.transport = rt } }

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	f := &Fetcher{
		cfg:       cfg,
		base:      colly.NewCollector(colly.Async(false)),
		transport: newHTTPTransport(),
		detector:  NewDetector(cfg.PromoteBelow, cfg.MinTextLength),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type page struct {
	url         string
	status      int
	body        []byte
	contentType string
}

// Fetch implements discovery.SourceAdapter.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, _ discovery.Entity) (discovery.Extract, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return discovery.Extract{}, &discovery.FetchError{Kind: discovery.FetchTransient, URL: rawURL, Err: err}
		}
	}
	pg, err := f.get(ctx, rawURL)
	if err != nil {
		return discovery.Extract{}, err
	}
	if !isHTML(pg.contentType) {
		return discovery.Extract{}, &discovery.FetchError{
			Kind: discovery.FetchNoContent,
			URL:  rawURL,
			Err:  fmt.Errorf("unsupported content type %q", pg.contentType),
		}
	}
	content, err := extract.FromHTML(pg.body)
	if err != nil {
		return discovery.Extract{}, &discovery.FetchError{Kind: discovery.FetchNoContent, URL: rawURL, Err: err}
	}

	source := SourceWeb
	if f.renderer != nil && f.detector.ShouldPromote(pg.status, pg.body, len(content.Text)) {
		rendered, rerr := f.renderer.Render(ctx, rawURL)
		switch {
		case rerr != nil:
			f.logger.Debug("headless render failed; keeping static content", zap.String("url", rawURL), zap.Error(rerr))
		case rendered.StatusCode >= 400:
			return discovery.Extract{}, &discovery.FetchError{
				Kind:       discovery.KindForStatus(rendered.StatusCode),
				URL:        rawURL,
				StatusCode: rendered.StatusCode,
			}
		default:
			if renderedContent, perr := extract.FromHTML(rendered.HTML); perr == nil {
				content = renderedContent
				pg = page{url: rendered.URL, status: rendered.StatusCode, body: rendered.HTML, contentType: "text/html; charset=utf-8"}
				source = SourceHeadless
			}
		}
	}

	if allowlist.IsHomepageOrIndex(pg.url) {
		return discovery.Extract{}, &discovery.FetchError{Kind: discovery.FetchLowQuality, URL: rawURL, Err: ErrRedirectedToIndex}
	}
	if strings.TrimSpace(content.Text) == "" {
		return discovery.Extract{}, &discovery.FetchError{Kind: discovery.FetchNoContent, URL: rawURL}
	}
	return discovery.Extract{
		URL:         pg.url,
		Source:      source,
		Title:       content.Title,
		Text:        content.Text,
		PublishedAt: content.PublishedAt,
		ContentType: pg.contentType,
		Raw:         pg.body,
	}, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (page, error) {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.MaxBodySize = f.cfg.MaxBodyBytes
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	var (
		result   page
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		result = page{
			url:         r.Request.URL.String(),
			status:      r.StatusCode,
			body:        append([]byte(nil), r.Body...),
			contentType: r.Headers.Get("Content-Type"),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			status = r.StatusCode
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return page{}, &discovery.FetchError{Kind: discovery.FetchTransient, URL: rawURL, Err: ctx.Err()}
	case err := <-done:
		if status >= 400 {
			return page{}, &discovery.FetchError{Kind: discovery.KindForStatus(status), URL: rawURL, StatusCode: status, Err: fetchErr}
		}
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return page{}, &discovery.FetchError{Kind: discovery.FetchTransient, URL: rawURL, Err: err}
		}
		return result, nil
	}
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.HasPrefix(ct, "text/plain")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ discovery.SourceAdapter = (*Fetcher)(nil)
