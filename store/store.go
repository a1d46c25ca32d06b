// Package store persists validated records as append-only, timestamped
// batch files segregated by content kind, so a consumer can process one
// kind without filtering the others. A batch becomes visible
// all-or-nothing: it is written to a temporary file and renamed into
// place only once complete. Prior batches are never rewritten or
// deleted.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/avelasquez/prensa/record"
)

// Kind names one output stream.
type Kind string

const (
	KindArticle   Kind = "articles"
	KindThumbnail Kind = "thumbnails"
	KindMetadata  Kind = "metadata"
)

// Writer appends batches for one source and one run. Batch filenames
// embed the run's start timestamp and run ID, so concurrent runs for
// different sources never contend on the same path.
type Writer struct {
	root     string
	sourceID string
	stamp    string
	batchSeq int
}

// NewWriter creates a writer rooted at root for one run of one source.
func NewWriter(root, sourceID string, runID uuid.UUID, startedAt time.Time) (*Writer, error) {
	sourceDir := filepath.Join(root, sourceID)
	if err := os.MkdirAll(sourceDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	stamp := fmt.Sprintf("%s-%s", startedAt.UTC().Format("20060102T150405Z"), shortID(runID))
	return &Writer{
		root:     root,
		sourceID: sourceID,
		stamp:    stamp,
	}, nil
}

// WriteBatch appends a batch of records to a new output unit of the
// given kind and returns its path. Empty batches write nothing.
func (w *Writer) WriteBatch(records []record.Record, kind Kind) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal batch: %w", err)
	}

	w.batchSeq++
	name := fmt.Sprintf("%s-%03d.json", w.stamp, w.batchSeq)
	return w.commit(kind, name, data)
}

// WriteManifest writes the run manifest to the metadata stream.
func (w *Writer) WriteManifest(manifest *record.RunManifest) (string, error) {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	name := fmt.Sprintf("%s-manifest.json", w.stamp)
	return w.commit(KindMetadata, name, data)
}

// commit writes data to a fresh temporary file in the kind's directory
// and renames it into place, so readers never observe a partial batch.
func (w *Writer) commit(kind Kind, name string, data []byte) (string, error) {
	dir := filepath.Join(w.root, w.sourceID, string(kind))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write batch: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish batch: %w", err)
	}

	return final, nil
}

// ReadBatches loads every committed batch of a kind for a source, in
// filename (and therefore run-start) order.
func ReadBatches(root, sourceID string, kind Kind) ([]record.Record, error) {
	dir := filepath.Join(root, sourceID, string(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s directory: %w", kind, err)
	}

	var all []record.Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read batch %s: %w", entry.Name(), err)
		}

		var batch []record.Record
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse batch %s: %w", entry.Name(), err)
		}
		all = append(all, batch...)
	}

	return all, nil
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
