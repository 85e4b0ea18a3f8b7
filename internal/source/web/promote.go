package web

import (
	"bytes"
	"strings"
)

// Detector decides when a statically fetched page must be re-rendered in a
// headless browser before its content can be trusted.
type Detector struct {
	BodyLengthThreshold int
	MinTextLength       int
}

// NewDetector creates a Detector. Zero values pick the defaults.
func NewDetector(bodyThreshold, minText int) *Detector {
	if bodyThreshold == 0 {
		bodyThreshold = 2048
	}
	if minText == 0 {
		minText = 200
	}
	return &Detector{BodyLengthThreshold: bodyThreshold, MinTextLength: minText}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldPromote reports whether a 200 response looks like a script shell or
// yielded too little readable text.
func (d *Detector) ShouldPromote(status int, body []byte, textLen int) bool {
	if status != 200 {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return textLen < d.MinTextLength
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag; count the rest of the document.
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
