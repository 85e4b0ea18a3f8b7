// Package loans loads media loan reports and turns them into discovery
// entities.
package loans

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

// Column order of the headerless loans report.
const (
	colActivityID = iota
	colPersonID
	colMake
	colModel
	colWorkOrder
	colOffice
	colTo
	colAffiliation
	colStartDate
	colStopDate
	colModelShort
	colLinks
	columnCount
)

const internalLinkPrefix = "https://fms.driveshop.com/"

// ErrEmptyReport is returned when a report contains no usable rows.
var ErrEmptyReport = errors.New("no loans found to process")

// Loader downloads and parses loans reports.
type Loader struct {
	client  *http.Client
	maxSize int64
	logger  *zap.Logger
}

// NewLoader returns a Loader. A nil client gets a 30s timeout client.
func NewLoader(client *http.Client, logger *zap.Logger) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{client: client, maxSize: 64 << 20, logger: logger}
}

// Load fetches the report at url and parses it.
func (l *Loader) Load(ctx context.Context, url string) ([]discovery.Entity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build loans request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch loans report: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			l.logger.Warn("close loans body failed", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch loans report: unexpected status %d", resp.StatusCode)
	}
	entities, err := Parse(io.LimitReader(resp.Body, l.maxSize))
	if err != nil {
		return nil, err
	}
	urls := 0
	for _, e := range entities {
		urls += len(e.CandidateURLs)
	}
	l.logger.Info("loans report loaded",
		zap.String("url", url),
		zap.Int("loans", len(entities)),
		zap.Int("urls", urls),
	)
	return entities, nil
}

// Parse reads a headerless loans report. Rows without a work order are
// skipped. Extra trailing fields are treated as part of the links column.
func Parse(r io.Reader) ([]discovery.Entity, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var out []discovery.Entity
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse loans report: %w", err)
		}
		entity, ok := entityFromRow(row)
		if !ok {
			continue
		}
		out = append(out, entity)
	}
	if len(out) == 0 {
		return nil, ErrEmptyReport
	}
	return out, nil
}

func entityFromRow(row []string) (discovery.Entity, bool) {
	if len(row) > columnCount {
		row = append(row[:colLinks:colLinks], strings.Join(row[colLinks:], ","))
	}
	for len(row) < columnCount {
		row = append(row, "")
	}
	field := func(i int) string { return strings.TrimSpace(row[i]) }

	key := field(colWorkOrder)
	if key == "" {
		return discovery.Entity{}, false
	}
	return discovery.Entity{
		Key:           key,
		ActivityID:    field(colActivityID),
		PersonID:      field(colPersonID),
		Make:          field(colMake),
		Model:         field(colModel),
		ModelShort:    field(colModelShort),
		Contact:       field(colTo),
		Affiliation:   field(colAffiliation),
		Office:        field(colOffice),
		StartDate:     parseDate(field(colStartDate)),
		StopDate:      parseDate(field(colStopDate)),
		CandidateURLs: ParseLinks(row[colLinks]),
	}, true
}

// ParseLinks splits the comma-separated links cell, strips quotes and drops
// internal system links.
func ParseLinks(cell string) []string {
	var urls []string
	for _, part := range strings.Split(cell, ",") {
		u := strings.Trim(strings.TrimSpace(part), `"'`)
		if u == "" || strings.HasPrefix(u, internalLinkPrefix) {
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

var dateLayouts = []string{
	time.DateOnly,
	time.DateTime,
	time.RFC3339,
	"1/2/2006",
	"1/2/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"1/2/06",
	"Jan 2, 2006",
	"2 Jan 2006",
}

func parseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// Filter applies the job's filters in report order, then limit. A zero limit
// keeps everything.
func Filter(entities []discovery.Entity, f jobs.CSVFilters, limit int) []discovery.Entity {
	out := make([]discovery.Entity, 0, len(entities))
	wos := splitList(f.WONumbers)
	activities := splitList(f.ActivityIDs)
	for _, e := range entities {
		switch {
		case active(f.Office, "All Offices") && e.Office != f.Office:
		case active(f.Make, "All Makes") && e.Make != f.Make:
		case active(f.Model, "All Models") && e.Model != f.Model:
		case active(f.Reporter, "All Reporters") && e.Contact != strings.TrimSpace(f.Reporter):
		case len(wos) > 0 && !wos[e.Key]:
		case len(activities) > 0 && !activities[e.ActivityID]:
		default:
			out = append(out, e)
		}
	}

	if f.SkipRecords > 0 && f.SkipRecords < len(out) {
		out = out[f.SkipRecords:]
	}

	if f.DateFrom != "" || f.DateTo != "" {
		from := parseDate(strings.TrimSpace(f.DateFrom))
		to := parseDate(strings.TrimSpace(f.DateTo))
		kept := out[:0]
		for _, e := range out {
			if inRange(e.StartDate, from, to) {
				kept = append(kept, e)
			}
		}
		out = kept
	}

	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// active reports whether a filter value narrows the set. "All" and the
// per-field catch-all label mean no filter.
func active(value, catchAll string) bool {
	value = strings.TrimSpace(value)
	return value != "" && value != "All" && value != catchAll
}

func splitList(raw string) map[string]bool {
	set := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			set[v] = true
		}
	}
	return set
}

// inRange never excludes a loan whose start date is unknown.
func inRange(start, from, to *time.Time) bool {
	if start == nil {
		return true
	}
	if from != nil && start.Before(*from) {
		return false
	}
	if to != nil && start.After(*to) {
		return false
	}
	return true
}
