// Package extract pulls the title, article text and publish time out of an
// HTML document.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Page is the readable content of a document.
type Page struct {
	Title       string
	Text        string
	PublishedAt *time.Time
}

var contentSelectors = []string{
	"article",
	"[itemprop=articleBody]",
	".article-body",
	".entry-content",
	".post-content",
	"main",
}

var noiseSelectors = "script, style, noscript, nav, header, footer, aside, form, iframe, svg"

var publishedSelectors = []struct {
	selector string
	attr     string
}{
	{`meta[property="article:published_time"]`, "content"},
	{`meta[name="parsely-pub-date"]`, "content"},
	{`meta[name="pubdate"]`, "content"},
	{`meta[name="publish-date"]`, "content"},
	{`meta[name="date"]`, "content"},
	{`meta[itemprop="datePublished"]`, "content"},
	{`[itemprop="datePublished"]`, "datetime"},
	{`time[datetime]`, "datetime"},
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"January 2, 2006",
}

// FromHTML parses body and returns its readable content.
func FromHTML(body []byte) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	return FromDocument(doc), nil
}

// FromDocument extracts content from an already parsed document.
func FromDocument(doc *goquery.Document) Page {
	page := Page{
		Title:       title(doc),
		PublishedAt: published(doc),
	}
	doc.Find(noiseSelectors).Remove()
	for _, sel := range contentSelectors {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			if text := collapse(node.Text()); len(text) > 0 {
				page.Text = text
				break
			}
		}
	}
	if page.Text == "" {
		page.Text = collapse(doc.Find("body").Text())
	}
	return page
}

func title(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	if t := collapse(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return collapse(doc.Find("h1").First().Text())
}

func published(doc *goquery.Document) *time.Time {
	for _, candidate := range publishedSelectors {
		var found *time.Time
		doc.Find(candidate.selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if raw, ok := s.Attr(candidate.attr); ok {
				if t, ok := ParseDate(raw); ok {
					found = &t
					return false
				}
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// ParseDate accepts the date formats commonly found in article metadata.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
