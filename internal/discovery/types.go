// Package discovery evaluates the candidate sources of one entity, scores what
// they yield, and keeps the single best match.
package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
)

// ErrDuplicateResult is returned by a ResultStore when the entity already has a
// result for the job.
var ErrDuplicateResult = errors.New("result already recorded for entity in job")

// Entity is one work order: a loaned vehicle and the outlets expected to cover it.
type Entity struct {
	Key            string     `json:"entity_key"`
	ActivityID     string     `json:"activity_id,omitempty"`
	PersonID       string     `json:"person_id,omitempty"`
	Make           string     `json:"make"`
	Model          string     `json:"model"`
	ModelShort     string     `json:"model_short,omitempty"`
	Contact        string     `json:"contact,omitempty"`
	Affiliation    string     `json:"affiliation,omitempty"`
	Office         string     `json:"office,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	StopDate       *time.Time `json:"stop_date,omitempty"`
	CandidateURLs  []string   `json:"candidate_urls"`
	AllowedDomains []string   `json:"allowed_domains,omitempty"`
}

// Extract is what a source adapter pulled out of one candidate.
type Extract struct {
	URL         string     `json:"url"`
	Source      string     `json:"source"`
	Title       string     `json:"title"`
	Text        string     `json:"text"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ContentType string     `json:"-"`
	Raw         []byte     `json:"-"`
}

// ResultStatus is the review state of a persisted result.
type ResultStatus string

// ResultPendingReview is the state every new result starts in.
const ResultPendingReview ResultStatus = "pending_review"

// Result is the accepted candidate of one discovery round.
type Result struct {
	ID          string       `json:"id"`
	EntityKey   string       `json:"entity_key"`
	JobID       string       `json:"job_id"`
	SourceURL   string       `json:"source_url"`
	Source      string       `json:"source"`
	Title       string       `json:"title"`
	Text        string       `json:"text"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
	Score       float64      `json:"score"`
	Status      ResultStatus `json:"status"`
	ArchiveURI  string       `json:"archive_uri,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Make        string       `json:"make"`
	Model       string       `json:"model"`
	Contact     string       `json:"contact,omitempty"`
	Office      string       `json:"office,omitempty"`
	ActivityID  string       `json:"activity_id,omitempty"`
	PersonID    string       `json:"person_id,omitempty"`
}

// Window selects results by creation time, [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Rejection says why a candidate produced no accepted match.
type Rejection string

// Candidate rejections. RejectNotAllowed candidates do not count as attempted.
const (
	RejectNone         Rejection = ""
	RejectNotAllowed   Rejection = "not_allowed"
	RejectNoContent    Rejection = "no_content"
	RejectBelowFloor   Rejection = "below_floor"
	RejectLowQuality   Rejection = "low_quality"
	RejectTransient    Rejection = "transient"
	RejectAccessDenied Rejection = "access_denied"
	RejectNotRun       Rejection = "not_run"
)

// Outcome maps a rejection to the retry outcome it contributes.
func (r Rejection) Outcome() retry.Outcome {
	switch r {
	case RejectNoContent, RejectBelowFloor:
		return retry.OutcomeContentNotFound
	case RejectLowQuality:
		return retry.OutcomeLowQualityMatch
	case RejectTransient:
		return retry.OutcomeTransientFetchError
	case RejectAccessDenied:
		return retry.OutcomeAccessDenied
	default:
		return retry.OutcomeContentNotFound
	}
}

// Candidate is the evaluation of one candidate URL.
type Candidate struct {
	URL       string    `json:"url"`
	Extract   *Extract  `json:"extract,omitempty"`
	Score     float64   `json:"score"`
	Rejection Rejection `json:"rejection,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Report summarizes one discovery round.
type Report struct {
	EntityKey  string        `json:"entity_key"`
	Outcome    retry.Outcome `json:"outcome"`
	Result     *Result       `json:"result,omitempty"`
	Candidates []Candidate   `json:"candidates"`
	Record     retry.Record  `json:"record"`
}

// FetchErrorKind classifies a source adapter failure.
type FetchErrorKind int

// Fetch failure kinds.
const (
	FetchTransient FetchErrorKind = iota
	FetchNoContent
	FetchAccessDenied
	FetchLowQuality
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchNoContent:
		return "no_content"
	case FetchAccessDenied:
		return "access_denied"
	case FetchLowQuality:
		return "low_quality"
	default:
		return "transient"
	}
}

// FetchError is returned by source adapters for failures they can classify.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status code to a fetch failure kind.
func KindForStatus(code int) FetchErrorKind {
	switch {
	case code == 401 || code == 403 || code == 451:
		return FetchAccessDenied
	case code == 404 || code == 410:
		return FetchNoContent
	case code == 429 || code >= 500:
		return FetchTransient
	case code >= 400:
		return FetchNoContent
	default:
		return FetchTransient
	}
}

// Classify turns an adapter error into a candidate rejection. Errors the adapter
// did not classify are treated as transient.
func Classify(err error) Rejection {
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case FetchNoContent:
			return RejectNoContent
		case FetchAccessDenied:
			return RejectAccessDenied
		case FetchLowQuality:
			return RejectLowQuality
		}
	}
	return RejectTransient
}
