package loans

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

const report = `1001,P1,Mazda,CX-50,WO-1,Denver,Jane Doe,Car Mag,2025-01-10,2025-01-17,CX50,"https://carmag.com/cx50-review, https://fms.driveshop.com/wo/1"
1002,P2,Honda,Civic,WO-2,Chicago,John Roe,Auto Blog,1/20/2025,1/27/2025,Civic,https://autoblog.com/civic
1003,P3,Mazda,CX-90,WO-3,Denver,Jane Doe,Car Mag,not a date,,CX90,
,P4,Ford,F-150,,Denver,Nobody,,,,,https://example.com/x
1005,P5,Mazda,CX-50,WO-5,Denver,Sam Poe,Drive,2025-02-01,,CX50,https://drive.com/a,https://drive.com/b
`

func TestParse(t *testing.T) {
	t.Parallel()

	entities, err := Parse(strings.NewReader(report))
	require.NoError(t, err)
	require.Len(t, entities, 4, "row without work order is skipped")

	first := entities[0]
	assert.Equal(t, "WO-1", first.Key)
	assert.Equal(t, "1001", first.ActivityID)
	assert.Equal(t, "Jane Doe", first.Contact)
	assert.Equal(t, "CX50", first.ModelShort)
	assert.Equal(t, []string{"https://carmag.com/cx50-review"}, first.CandidateURLs)
	require.NotNil(t, first.StartDate)
	assert.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), *first.StartDate)

	require.NotNil(t, entities[1].StartDate)
	assert.Equal(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), *entities[1].StartDate)

	assert.Nil(t, entities[2].StartDate)
	assert.Empty(t, entities[2].CandidateURLs)

	assert.Equal(t, []string{"https://drive.com/a", "https://drive.com/b"}, entities[3].CandidateURLs)
}

func TestParseEmptyReport(t *testing.T) {
	t.Parallel()
	_, err := Parse(strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmptyReport)
}

func TestParseLinks(t *testing.T) {
	t.Parallel()
	got := ParseLinks(`"https://a.com/1", 'https://b.com/2',,https://fms.driveshop.com/x`)
	assert.Equal(t, []string{"https://a.com/1", "https://b.com/2"}, got)
}

func TestFilter(t *testing.T) {
	t.Parallel()

	entities, err := Parse(strings.NewReader(report))
	require.NoError(t, err)

	keys := func(es []discovery.Entity) []string {
		out := make([]string, 0, len(es))
		for _, e := range es {
			out = append(out, e.Key)
		}
		return out
	}

	cases := []struct {
		name    string
		filters jobs.CSVFilters
		limit   int
		want    []string
	}{
		{"no filters", jobs.CSVFilters{}, 0, []string{"WO-1", "WO-2", "WO-3", "WO-5"}},
		{"all labels", jobs.CSVFilters{Office: "All Offices", Make: "All", Reporter: "All Reporters"}, 0, []string{"WO-1", "WO-2", "WO-3", "WO-5"}},
		{"office", jobs.CSVFilters{Office: "Denver"}, 0, []string{"WO-1", "WO-3", "WO-5"}},
		{"make and model", jobs.CSVFilters{Make: "Mazda", Model: "CX-50"}, 0, []string{"WO-1", "WO-5"}},
		{"reporter", jobs.CSVFilters{Reporter: " Jane Doe "}, 0, []string{"WO-1", "WO-3"}},
		{"wo numbers", jobs.CSVFilters{WONumbers: "WO-2, WO-5"}, 0, []string{"WO-2", "WO-5"}},
		{"activity ids", jobs.CSVFilters{ActivityIDs: "1003"}, 0, []string{"WO-3"}},
		{"skip", jobs.CSVFilters{SkipRecords: 2}, 0, []string{"WO-3", "WO-5"}},
		{"skip beyond length is ignored", jobs.CSVFilters{SkipRecords: 9}, 0, []string{"WO-1", "WO-2", "WO-3", "WO-5"}},
		{"date range keeps unparseable", jobs.CSVFilters{DateFrom: "2025-01-15", DateTo: "2025-01-31"}, 0, []string{"WO-2", "WO-3"}},
		{"limit after filter", jobs.CSVFilters{Office: "Denver"}, 2, []string{"WO-1", "WO-3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, keys(Filter(entities, tc.filters, tc.limit)))
		})
	}
}

func TestLoaderLoad(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(report))
	}))
	defer srv.Close()

	loader := NewLoader(srv.Client(), nil)
	entities, err := loader.Load(context.Background(), srv.URL+"/loans.csv")
	require.NoError(t, err)
	require.Len(t, entities, 4)

	_, err = loader.Load(context.Background(), srv.URL+"/missing")
	require.ErrorContains(t, err, "unexpected status 404")
}
