// Package run drives one scraper end-to-end: walk listing pages,
// extract and validate each item, drop duplicates, fan out article
// detail fetches across a bounded worker pool, and write append-only
// output batches plus a run manifest.
package run

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/avelasquez/prensa/dedup"
	"github.com/avelasquez/prensa/descriptor"
	"github.com/avelasquez/prensa/extract"
	"github.com/avelasquez/prensa/fetch"
	"github.com/avelasquez/prensa/paginate"
	"github.com/avelasquez/prensa/record"
	"github.com/avelasquez/prensa/store"
)

// Orchestrator states. A run moves INIT → LISTING → DETAIL_FETCH →
// PERSIST → DONE; FAILED is reachable from any state on an
// unrecoverable error.
type State string

const (
	StateInit        State = "INIT"
	StateListing     State = "LISTING"
	StateDetailFetch State = "DETAIL_FETCH"
	StatePersist     State = "PERSIST"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Options configure a run.
type Options struct {
	// StorageRoot is where output batches are written.
	StorageRoot string
	// DedupPath is the seen-set database path.
	DedupPath string
	// DryRun skips the storage writer and seen-set writes while still
	// running extraction and validation.
	DryRun bool
	// Concurrency bounds detail fetches in flight per source.
	Concurrency int
}

// DefaultOptions returns the default run options.
func DefaultOptions() Options {
	return Options{
		StorageRoot: "output",
		DedupPath:   "seen.db",
		Concurrency: 4,
	}
}

// Runner executes crawls. One Runner may serve many sources, sharing a
// single fetch client so global concurrency and politeness ceilings
// hold across them.
type Runner struct {
	fetcher *fetch.Client
	schema  *record.Schema
	opts    Options
}

// New creates a Runner. A nil fetcher gets a default client; a nil
// schema gets DefaultSchema.
func New(fetcher *fetch.Client, schema *record.Schema, opts Options) *Runner {
	if fetcher == nil {
		fetcher = fetch.NewClient(nil)
	}
	if schema == nil {
		schema = record.DefaultSchema()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOptions().Concurrency
	}
	return &Runner{fetcher: fetcher, schema: schema, opts: opts}
}

// Run crawls one source to completion and returns its manifest. The
// manifest is returned even on failure, carrying partial counts. The
// error reports why a run ended FAILED; a nil error means DONE (or a
// clean cancellation, reported as state "canceled").
func (r *Runner) Run(ctx context.Context, d *descriptor.Descriptor) (*record.RunManifest, error) {
	manifest := record.NewRunManifest(d.SourceID)

	// INIT: validate configuration before any network activity.
	if err := d.Validate(); err != nil {
		return r.fail(manifest, nil, err)
	}

	tracker, err := r.openTracker(d.SourceID)
	if err != nil {
		return r.fail(manifest, nil, err)
	}
	defer tracker.Close()

	if delay := d.Delay(); delay > 0 {
		r.fetcher.SetHostDelay(d.Host(), delay)
	}

	var writer *store.Writer
	if !r.opts.DryRun {
		writer, err = store.NewWriter(r.opts.StorageRoot, d.SourceID, manifest.RunID, manifest.StartedAt)
		if err != nil {
			return r.fail(manifest, nil, err)
		}
	}

	schema := r.schema
	if rule, ok := d.Fields[record.FieldDate]; ok && rule.Layout != "" {
		schema = schema.WithLayout(rule.Layout)
	}

	log.Printf("INFO: [%s] %s: run %s starting (%d previously seen)", d.SourceID, StateInit, manifest.RunID, tracker.Len())

	// LISTING: sequential traversal; the next page depends on the
	// current page's content.
	refs, err := r.walkListings(ctx, d, manifest)
	if err != nil {
		if ctx.Err() != nil {
			return r.finish(manifest, writer, record.RunCanceled, err)
		}
		return r.fail(manifest, writer, err)
	}

	// DETAIL_FETCH: bounded fan-out over item references.
	log.Printf("INFO: [%s] %s: processing %d items with %d workers", d.SourceID, StateDetailFetch, len(refs), r.opts.Concurrency)
	articles, thumbnails := r.fetchDetails(ctx, d, schema, tracker, manifest, refs)

	// PERSIST: expose completed batches, then flush the manifest.
	if writer != nil {
		log.Printf("INFO: [%s] %s: writing %d article and %d thumbnail records", d.SourceID, StatePersist, len(articles), len(thumbnails))
		if _, err := writer.WriteBatch(articles, store.KindArticle); err != nil {
			return r.fail(manifest, writer, err)
		}
		if _, err := writer.WriteBatch(thumbnails, store.KindThumbnail); err != nil {
			return r.fail(manifest, writer, err)
		}
	}

	state := record.RunDone
	if ctx.Err() != nil {
		state = record.RunCanceled
	}
	return r.finish(manifest, writer, state, nil)
}

// RunAll crawls several sources concurrently, each with an independent
// pagination cursor. A source's failure never aborts its siblings.
func (r *Runner) RunAll(ctx context.Context, descriptors map[string]*descriptor.Descriptor) map[string]*record.RunManifest {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		manifests = make(map[string]*record.RunManifest, len(descriptors))
	)

	for _, d := range descriptors {
		wg.Add(1)
		go func(d *descriptor.Descriptor) {
			defer wg.Done()

			manifest, err := r.Run(ctx, d)
			if err != nil {
				log.Printf("ERROR: [%s] run failed: %v", d.SourceID, err)
			}

			mu.Lock()
			manifests[d.SourceID] = manifest
			mu.Unlock()
		}(d)
	}

	wg.Wait()
	return manifests
}

func (r *Runner) openTracker(sourceID string) (*dedup.Tracker, error) {
	if r.opts.DryRun {
		return dedup.OpenReadOnly(r.opts.DedupPath, sourceID)
	}
	return dedup.Open(r.opts.DedupPath, sourceID)
}

// walkListings traverses listing pages and returns item references in
// discovery order. A listing fetch failure after retries is fatal to
// the source's run; a pagination cycle merely halts traversal.
func (r *Runner) walkListings(ctx context.Context, d *descriptor.Descriptor, manifest *record.RunManifest) ([]extract.ItemRef, error) {
	strategist := paginate.New(d)
	pageURL := strategist.Start()

	var refs []extract.ItemRef
	seenRefs := make(map[string]struct{})

	for pageURL != "" {
		if ctx.Err() != nil {
			return refs, ctx.Err()
		}

		result, err := r.fetcher.Fetch(ctx, fetch.Request{URL: pageURL})
		if err != nil {
			return refs, fmt.Errorf("listing fetch %s: %w", pageURL, err)
		}

		page, err := extract.Listing(d, result.FinalURL, result.Body)
		if err != nil {
			return refs, fmt.Errorf("listing parse %s: %w", pageURL, err)
		}

		// The same article can appear on consecutive listing pages;
		// fetch each reference once per run.
		for _, ref := range page.Items {
			if _, dup := seenRefs[ref.URL]; dup {
				continue
			}
			seenRefs[ref.URL] = struct{}{}
			refs = append(refs, ref)
		}

		next, err := strategist.Next(page)
		if err != nil {
			var cycle *paginate.CycleError
			if errors.As(err, &cycle) {
				log.Printf("WARN: [%s] %v; halting traversal", d.SourceID, err)
				manifest.LastError = cycle.Error()
				break
			}
			return refs, err
		}
		pageURL = next
	}

	manifest.LastPageToken = strategist.LastToken()
	log.Printf("INFO: [%s] %s: traversal found %d item references", d.SourceID, StateListing, len(refs))
	return refs, nil
}

// fetchDetails processes item references with a bounded worker pool.
// Persisted order is completion order, not discovery order; consumers
// needing chronology must sort by published_at.
func (r *Runner) fetchDetails(
	ctx context.Context,
	d *descriptor.Descriptor,
	schema *record.Schema,
	tracker *dedup.Tracker,
	manifest *record.RunManifest,
	refs []extract.ItemRef,
) (articles, thumbnails []record.Record) {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, r.opts.Concurrency)
	)

	for _, ref := range refs {
		// Stop issuing new fetches promptly on cancellation; in-flight
		// workers finish or time out on their own.
		if ctx.Err() != nil {
			break
		}

		// Skip references already persisted by a prior run before
		// spending a fetch on them.
		refID := record.ExternalID(d.SourceID, ref.URL, ref.Fields[record.FieldTitle], ref.Fields[record.FieldDate])
		if !tracker.IsNew(refID) {
			mu.Lock()
			manifest.Counts.Duplicate++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		semaphore <- struct{}{}
		go func(ref extract.ItemRef) {
			defer wg.Done()
			defer func() { <-semaphore }()

			p, outcome := r.processItem(ctx, d, schema, tracker, ref)

			mu.Lock()
			defer mu.Unlock()
			if p.detailFetched {
				manifest.Counts.Fetched++
			}
			switch outcome {
			case outcomeSkipped:
			case outcomeFailed:
				manifest.Counts.Failed++
			case outcomeRejected:
				manifest.Counts.Rejected++
			case outcomeDuplicate:
				manifest.Counts.Duplicate++
			case outcomeNew:
				manifest.Counts.Validated++
				manifest.Counts.New++
				articles = append(articles, *p.record)
				if p.record.ThumbnailURL != "" {
					thumbnails = append(thumbnails, thumbnailRecord(p.record))
				}
			}
		}(ref)
	}

	wg.Wait()
	return articles, thumbnails
}

type itemOutcome int

const (
	// outcomeSkipped means the item was abandoned by cancellation and
	// should not be tallied.
	outcomeSkipped itemOutcome = iota
	outcomeFailed
	outcomeRejected
	outcomeDuplicate
	outcomeNew
)

type processed struct {
	record        *record.Record
	detailFetched bool
}

// processItem fetches (when the descriptor declares detail selectors),
// extracts, validates, and claims one item. Transient failures after
// retries are contained: the item is counted and skipped.
func (r *Runner) processItem(
	ctx context.Context,
	d *descriptor.Descriptor,
	schema *record.Schema,
	tracker *dedup.Tracker,
	ref extract.ItemRef,
) (processed, itemOutcome) {
	raw := record.RawRecord{}
	for name, value := range ref.Fields {
		raw[name] = value
	}

	fetchedAt := time.Now()
	detailFetched := false

	// Feed-style sources can declare no detail selectors; the listing
	// alone carries the record.
	if len(d.Fields) > 0 {
		result, err := r.fetcher.Fetch(ctx, fetch.Request{URL: ref.URL})
		if err != nil {
			if ctx.Err() != nil {
				return processed{}, outcomeSkipped
			}
			log.Printf("WARN: [%s] item fetch failed, skipping: %v", d.SourceID, err)
			return processed{}, outcomeFailed
		}
		detailFetched = true
		fetchedAt = result.FetchedAt

		detail, err := extract.Detail(d, result.FinalURL, result.Body)
		if err != nil {
			log.Printf("WARN: [%s] item parse failed, skipping: %v", d.SourceID, err)
			return processed{detailFetched: true}, outcomeFailed
		}
		// Detail values win over listing-level fallbacks.
		for name, value := range detail {
			raw[name] = value
		}
	} else if _, ok := raw[record.FieldURL]; !ok {
		raw[record.FieldURL] = ref.URL
	}

	rec, err := schema.Validate(raw, d.SourceID, fetchedAt)
	if err != nil {
		var verr *record.ValidationError
		if errors.As(err, &verr) {
			log.Printf("WARN: [%s] rejected %s: %v", d.SourceID, ref.URL, verr)
			return processed{detailFetched: detailFetched}, outcomeRejected
		}
		return processed{detailFetched: detailFetched}, outcomeRejected
	}

	claimed, err := tracker.Claim(rec.ExternalID)
	if err != nil {
		log.Printf("ERROR: [%s] failed to record %s as seen: %v", d.SourceID, rec.ExternalID, err)
		return processed{detailFetched: detailFetched}, outcomeFailed
	}
	if !claimed {
		return processed{detailFetched: detailFetched}, outcomeDuplicate
	}

	return processed{record: rec, detailFetched: detailFetched}, outcomeNew
}

// thumbnailRecord derives the slim thumbnail-stream record for an
// article.
func thumbnailRecord(rec *record.Record) record.Record {
	return record.Record{
		SourceID:     rec.SourceID,
		ExternalID:   rec.ExternalID,
		URL:          rec.URL,
		ThumbnailURL: rec.ThumbnailURL,
		FetchedAt:    rec.FetchedAt,
	}
}

// finish flushes the manifest in a terminal state. Flushing happens
// even after cancellation so partial counts are not discarded.
func (r *Runner) finish(manifest *record.RunManifest, writer *store.Writer, state string, cause error) (*record.RunManifest, error) {
	manifest.State = state
	manifest.EndedAt = time.Now()
	if cause != nil && manifest.LastError == "" {
		manifest.LastError = cause.Error()
	}

	if writer != nil {
		if _, err := writer.WriteManifest(manifest); err != nil {
			log.Printf("ERROR: [%s] failed to write manifest: %v", manifest.SourceID, err)
		}
	}

	terminal := StateDone
	if state == record.RunFailed {
		terminal = StateFailed
	}
	c := manifest.Counts
	log.Printf("INFO: [%s] %s: run %s %s: fetched=%d validated=%d rejected=%d duplicate=%d new=%d failed=%d",
		manifest.SourceID, terminal, manifest.RunID, state, c.Fetched, c.Validated, c.Rejected, c.Duplicate, c.New, c.Failed)
	return manifest, nil
}

// fail flushes the manifest in the FAILED state, leaving prior output
// untouched, and surfaces the cause.
func (r *Runner) fail(manifest *record.RunManifest, writer *store.Writer, cause error) (*record.RunManifest, error) {
	manifest, _ = r.finish(manifest, writer, record.RunFailed, cause)
	return manifest, cause
}
