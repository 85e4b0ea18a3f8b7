package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"youtube short", "https://youtu.be/abc123", "youtu.be"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(candidatesTotal.WithLabelValues("motortrend.com", "accepted"))
	ObserveCandidate("https://www.MotorTrend.com/reviews/x", "accepted")
	ObserveCandidate("https://motortrend.com/reviews/y", "accepted")
	if got := testutil.ToFloat64(candidatesTotal.WithLabelValues("motortrend.com", "accepted")) - before; got != 1 {
		t.Errorf("expected 1 new accepted candidate for motortrend.com, got %f", got)
	}

	before = testutil.ToFloat64(entitiesTotal.WithLabelValues("content_not_found"))
	ObserveEntity("content_not_found")
	if got := testutil.ToFloat64(entitiesTotal.WithLabelValues("content_not_found")) - before; got != 1 {
		t.Errorf("expected entity counter to advance by 1, got %f", got)
	}

	before = testutil.ToFloat64(reclaimedJobsTotal.WithLabelValues("requeued"))
	ObserveReclaim("requeued", 0)
	ObserveReclaim("requeued", 3)
	if got := testutil.ToFloat64(reclaimedJobsTotal.WithLabelValues("requeued")) - before; got != 3 {
		t.Errorf("expected reclaim counter to advance by 3, got %f", got)
	}

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got < 1 {
		t.Errorf("expected at least one active worker, got %f", got)
	}
	DecActiveWorkers()
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://youtube.com/watch?v=1", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
