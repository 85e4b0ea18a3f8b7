// Package source routes candidate URLs to the adapter that understands them.
package source

import (
	"context"
	"time"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/metrics"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/source/youtube"
)

// Router implements discovery.SourceAdapter by dispatching on the URL host.
type Router struct {
	web     discovery.SourceAdapter
	youtube discovery.SourceAdapter
}

// NewRouter builds a Router. video may be nil, in which case YouTube URLs go
// to the web adapter.
func NewRouter(web, video discovery.SourceAdapter) *Router {
	return &Router{web: web, youtube: video}
}

// Fetch implements discovery.SourceAdapter.
func (r *Router) Fetch(ctx context.Context, rawURL string, entity discovery.Entity) (discovery.Extract, error) {
	adapter, name := r.web, "web"
	if r.youtube != nil && youtube.IsVideoURL(rawURL) {
		adapter, name = r.youtube, youtube.SourceYouTube
	}
	start := time.Now()
	ext, err := adapter.Fetch(ctx, rawURL, entity)
	metrics.ObserveFetch(name, time.Since(start))
	return ext, err
}

var _ discovery.SourceAdapter = (*Router)(nil)
