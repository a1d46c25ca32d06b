// Package record defines the normalized article record, the per-run
// manifest, and the schema validation that turns raw extracted fields
// into records safe to persist.
package record

import (
	"time"

	"github.com/google/uuid"
)

// RawRecord holds best-effort extracted values, field name to raw
// string, with no type coercion applied. A missing field is simply
// absent from the map.
type RawRecord map[string]string

// Record is a validated, normalized article.
type Record struct {
	SourceID string `json:"source_id"`
	// ExternalID is the dedup key. It is derived deterministically from
	// the source content (canonical URL when available), so reruns
	// recompute the same key for the same article.
	ExternalID   string            `json:"external_id"`
	Title        string            `json:"title"`
	URL          string            `json:"url,omitempty"`
	Body         string            `json:"body,omitempty"`
	ThumbnailURL string            `json:"thumbnail_url,omitempty"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	FetchedAt    time.Time         `json:"fetched_at"`
	Raw          map[string]string `json:"raw_fields,omitempty"`
}

// Run states reported in the manifest.
const (
	RunDone     = "done"
	RunFailed   = "failed"
	RunCanceled = "canceled"
)

// Counts tallies the outcome of one run.
type Counts struct {
	Fetched   int `json:"fetched"`
	Validated int `json:"validated"`
	Rejected  int `json:"rejected"`
	Duplicate int `json:"duplicate"`
	New       int `json:"new"`
	Failed    int `json:"failed"`
}

// RunManifest summarizes one crawl execution. It is written once per
// run and consumed by the next run to resume.
type RunManifest struct {
	RunID         uuid.UUID `json:"run_id"`
	SourceID      string    `json:"source_id"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Counts        Counts    `json:"counts"`
	LastPageToken string    `json:"last_page_token,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// NewRunManifest starts a manifest for one source.
func NewRunManifest(sourceID string) *RunManifest {
	return &RunManifest{
		RunID:     uuid.New(),
		SourceID:  sourceID,
		StartedAt: time.Now(),
	}
}
