// Package youtube fetches video metadata as discovery content.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
)

// SourceYouTube is the source name reported on extracts.
const SourceYouTube = "youtube"

// videoClient is the subset of youtube.Client the adapter needs.
type videoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
}

// RateLimiter delays a request until the host has budget.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Adapter implements discovery.SourceAdapter for YouTube videos. The title and
// description are the scored text.
type Adapter struct {
	client  videoClient
	limiter RateLimiter
}

// New returns an Adapter backed by the kkdai/youtube client. limiter may be nil.
func New(limiter RateLimiter) *Adapter {
	return &Adapter{client: &youtube.Client{}, limiter: limiter}
}

// IsVideoURL reports whether rawURL points at YouTube.
func IsVideoURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	return host == "youtube.com" || host == "youtu.be" || strings.HasSuffix(host, ".youtube.com")
}

type videoPayload struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Description string    `json:"description"`
	Duration    string    `json:"duration"`
	Views       int       `json:"views"`
	PublishDate time.Time `json:"publish_date"`
}

// Fetch implements discovery.SourceAdapter.
func (a *Adapter) Fetch(ctx context.Context, rawURL string, _ discovery.Entity) (discovery.Extract, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, rawURL); err != nil {
			return discovery.Extract{}, &discovery.FetchError{Kind: discovery.FetchTransient, URL: rawURL, Err: err}
		}
	}
	video, err := a.client.GetVideoContext(ctx, rawURL)
	if err != nil {
		return discovery.Extract{}, &discovery.FetchError{Kind: classify(err), URL: rawURL, Err: err}
	}
	text := strings.TrimSpace(strings.Join([]string{video.Title, video.Description}, "\n\n"))
	if text == "" {
		return discovery.Extract{}, &discovery.FetchError{Kind: discovery.FetchNoContent, URL: rawURL}
	}

	ext := discovery.Extract{
		URL:    "https://www.youtube.com/watch?v=" + video.ID,
		Source: SourceYouTube,
		Title:  video.Title,
		Text:   text,
	}
	if !video.PublishDate.IsZero() {
		published := video.PublishDate.UTC()
		ext.PublishedAt = &published
	}
	raw, err := json.Marshal(videoPayload{
		ID:          video.ID,
		Title:       video.Title,
		Author:      video.Author,
		Description: video.Description,
		Duration:    video.Duration.String(),
		Views:       video.Views,
		PublishDate: video.PublishDate,
	})
	if err == nil {
		ext.Raw = raw
		ext.ContentType = "application/json"
	}
	return ext, nil
}

func classify(err error) discovery.FetchErrorKind {
	switch {
	case errors.Is(err, youtube.ErrVideoPrivate), errors.Is(err, youtube.ErrLoginRequired):
		return discovery.FetchAccessDenied
	case errors.Is(err, youtube.ErrInvalidCharactersInVideoID), errors.Is(err, youtube.ErrVideoIDMinLength):
		return discovery.FetchNoContent
	}
	return discovery.FetchTransient
}

var _ discovery.SourceAdapter = (*Adapter)(nil)
