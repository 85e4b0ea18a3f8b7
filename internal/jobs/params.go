package jobs

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// CSVUploadParams drives discovery over a loans report fetched from URL.
type CSVUploadParams struct {
	URL     string     `json:"url"`
	Limit   int        `json:"limit,omitempty"`
	Filters CSVFilters `json:"filters,omitempty"`
}

// CSVFilters narrows the loans loaded by a csv_upload job. WONumbers and
// ActivityIDs are comma-separated lists.
type CSVFilters struct {
	Office      string `json:"office,omitempty"`
	Make        string `json:"make,omitempty"`
	Model       string `json:"model,omitempty"`
	Reporter    string `json:"reporter,omitempty"`
	WONumbers   string `json:"wo_numbers,omitempty"`
	ActivityIDs string `json:"activity_ids,omitempty"`
	SkipRecords int    `json:"skip_records,omitempty"`
	DateFrom    string `json:"date_from,omitempty"`
	DateTo      string `json:"date_to,omitempty"`
}

// SentimentParams scopes a sentiment_analysis job.
type SentimentParams struct {
	RunID string `json:"run_id,omitempty"`
}

// ReprocessParams bounds a historical_reprocessing job. Dates are YYYY-MM-DD
// and inclusive.
type ReprocessParams struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Window parses the inclusive date window into [start, end) instants.
func (p ReprocessParams) Window() (time.Time, time.Time, error) {
	start, err := time.Parse(time.DateOnly, p.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_date: %v", ErrInvalidParams, err)
	}
	end, err := time.Parse(time.DateOnly, p.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date: %v", ErrInvalidParams, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date before start_date", ErrInvalidParams)
	}
	return start, end.AddDate(0, 0, 1), nil
}

// ExportParams scopes an fms_export job.
type ExportParams struct {
	RunID     string   `json:"run_id,omitempty"`
	ResultIDs []string `json:"result_ids,omitempty"`
}

var (
	schemasOnce sync.Once
	schemas     map[Type]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[Type]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		out := make(map[Type]*jsonschema.Schema, len(Types()))
		for _, t := range Types() {
			name := string(t) + ".json"
			raw, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
			sch, err := compiler.Compile(name)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[t] = sch
		}
		schemas = out
	})
	return schemas, schemasErr
}

// ValidateParams checks raw against the JSON schema registered for t. Empty
// params are treated as an empty object.
func ValidateParams(t Type, raw json.RawMessage) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidParams, t)
	}
	compiled, err := loadSchemas()
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := compiled[t].Validate(doc); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParams, strings.TrimSpace(err.Error()))
	}
	return nil
}

// DecodeParams unmarshals raw into the typed params struct for a job type.
func DecodeParams[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return out, nil
}
