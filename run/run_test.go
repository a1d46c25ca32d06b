package run

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelasquez/prensa/descriptor"
	"github.com/avelasquez/prensa/fetch"
	"github.com/avelasquez/prensa/record"
	"github.com/avelasquez/prensa/store"
)

// fakeSite serves a three-page archive: pages 1 and 2 carry two
// articles each, page 3 is empty.
type fakeSite struct {
	server *httptest.Server
	// overrides lets a test replace the response for one path.
	overrides map[string]http.HandlerFunc
}

func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	site := &fakeSite{overrides: make(map[string]http.HandlerFunc)}

	mux := http.NewServeMux()
	mux.HandleFunc("/archivo", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `<html>
				<a class="story" href="/economia/a1">One</a>
				<a class="story" href="/economia/a2">Two</a>
			</html>`)
		case "2":
			fmt.Fprint(w, `<html>
				<a class="story" href="/economia/a3">Three</a>
				<a class="story" href="/economia/a4">Four</a>
			</html>`)
		default:
			fmt.Fprint(w, `<html><p>No hay más noticias</p></html>`)
		}
	})
	mux.HandleFunc("/economia/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html>
			<h1 class="headline">Article %s</h1>
			<time datetime="2024-03-15">15 de marzo</time>
			<div class="article-body">Body of %s.</div>
		</html>`, filepath.Base(r.URL.Path), filepath.Base(r.URL.Path))
	})

	site.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := site.overrides[r.URL.Path]; ok {
			h(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(site.server.Close)
	return site
}

func (s *fakeSite) descriptor() *descriptor.Descriptor {
	return &descriptor.Descriptor{
		SourceID: "el-diario",
		Name:     "El Diario",
		BaseURL:  s.server.URL,
		Listing: descriptor.ListingRule{
			Kind:         descriptor.ListingHTML,
			URLTemplate:  s.server.URL + "/archivo?page={page}",
			ItemSelector: "a.story",
		},
		Fields: map[string]descriptor.FieldRule{
			record.FieldTitle: {Selector: "h1.headline"},
			record.FieldBody:  {Selector: "div.article-body"},
			record.FieldDate:  {Selector: "time", Attr: "datetime"},
		},
		Pagination: descriptor.PaginationRule{
			Strategy: descriptor.PaginateIncrement,
		},
	}
}

func testRunner(t *testing.T, dryRun bool) (*Runner, Options) {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		StorageRoot: filepath.Join(dir, "output"),
		DedupPath:   filepath.Join(dir, "seen.db"),
		DryRun:      dryRun,
		Concurrency: 4,
	}

	config := fetch.DefaultConfig()
	config.BackoffBase = time.Millisecond
	config.BackoffCap = 5 * time.Millisecond
	config.HostDelay = 0

	return New(fetch.NewClient(config), nil, opts), opts
}

// TestRun_EndToEnd crawls the synthetic three-page archive and checks
// the manifest counts and persisted output.
func TestRun_EndToEnd(t *testing.T) {
	site := newFakeSite(t)
	runner, opts := testRunner(t, false)

	manifest, err := runner.Run(context.Background(), site.descriptor())
	require.NoError(t, err)

	assert.Equal(t, record.RunDone, manifest.State)
	assert.Equal(t, 4, manifest.Counts.Fetched)
	assert.Equal(t, 4, manifest.Counts.Validated)
	assert.Equal(t, 4, manifest.Counts.New)
	assert.Equal(t, 0, manifest.Counts.Duplicate)
	assert.Equal(t, 0, manifest.Counts.Rejected)
	assert.Equal(t, 0, manifest.Counts.Failed)
	assert.False(t, manifest.EndedAt.IsZero())

	articles, err := store.ReadBatches(opts.StorageRoot, "el-diario", store.KindArticle)
	require.NoError(t, err)
	assert.Len(t, articles, 4)
	for _, a := range articles {
		assert.Equal(t, "el-diario", a.SourceID)
		assert.NotEmpty(t, a.ExternalID)
		require.NotNil(t, a.PublishedAt)
	}

	metadataDir := filepath.Join(opts.StorageRoot, "el-diario", "metadata")
	entries, err := os.ReadDir(metadataDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one run manifest")
}

// TestRun_Idempotence verifies rerunning an unchanged source grows
// nothing: the second run sees only duplicates.
func TestRun_Idempotence(t *testing.T) {
	site := newFakeSite(t)
	runner, opts := testRunner(t, false)

	first, err := runner.Run(context.Background(), site.descriptor())
	require.NoError(t, err)
	require.Equal(t, 4, first.Counts.New)

	second, err := runner.Run(context.Background(), site.descriptor())
	require.NoError(t, err)

	assert.Equal(t, 0, second.Counts.New)
	assert.Equal(t, 4, second.Counts.Duplicate)
	assert.Equal(t, 0, second.Counts.Fetched, "already-seen references are skipped before fetching")

	articles, err := store.ReadBatches(opts.StorageRoot, "el-diario", store.KindArticle)
	require.NoError(t, err)
	assert.Len(t, articles, first.Counts.New, "total output equals the first run's new count")
}

// TestRun_RejectsMalformed verifies a validation failure is counted and
// skipped without failing the run or being retried.
func TestRun_RejectsMalformed(t *testing.T) {
	site := newFakeSite(t)
	site.overrides["/economia/a2"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>
			<h1 class="headline">Archive ghost</h1>
			<time datetime="1899-01-01">hace mucho</time>
		</html>`)
	}

	runner, _ := testRunner(t, false)
	manifest, err := runner.Run(context.Background(), site.descriptor())
	require.NoError(t, err)

	assert.Equal(t, record.RunDone, manifest.State)
	assert.Equal(t, 4, manifest.Counts.Fetched)
	assert.Equal(t, 1, manifest.Counts.Rejected)
	assert.Equal(t, 3, manifest.Counts.New)
}

// TestRun_ItemFailureContained verifies one item's transient failure
// after retries is recorded and skipped, not fatal to the run.
func TestRun_ItemFailureContained(t *testing.T) {
	site := newFakeSite(t)
	site.overrides["/economia/a3"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	runner, _ := testRunner(t, false)
	manifest, err := runner.Run(context.Background(), site.descriptor())
	require.NoError(t, err)

	assert.Equal(t, record.RunDone, manifest.State)
	assert.Equal(t, 1, manifest.Counts.Failed, "the failed item is counted, not silently dropped")
	assert.Equal(t, 3, manifest.Counts.New)
}

// TestRun_ListingFailureFails verifies a listing-page failure after
// retries fails the whole source run, leaving prior output untouched.
func TestRun_ListingFailureFails(t *testing.T) {
	site := newFakeSite(t)
	runner, opts := testRunner(t, false)

	// A successful first run establishes prior output.
	_, err := runner.Run(context.Background(), site.descriptor())
	require.NoError(t, err)
	before, err := store.ReadBatches(opts.StorageRoot, "el-diario", store.KindArticle)
	require.NoError(t, err)

	site.overrides["/archivo"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	manifest, err := runner.Run(context.Background(), site.descriptor())
	require.Error(t, err)
	assert.True(t, fetch.IsTransient(err))
	assert.Equal(t, record.RunFailed, manifest.State)
	assert.NotEmpty(t, manifest.LastError)

	after, err := store.ReadBatches(opts.StorageRoot, "el-diario", store.KindArticle)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed run leaves prior output untouched")
}

// TestRun_ConfigurationError verifies a malformed descriptor fails at
// INIT, before any network activity.
func TestRun_ConfigurationError(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	d := &descriptor.Descriptor{
		SourceID: "broken",
		BaseURL:  server.URL,
		Listing:  descriptor.ListingRule{Kind: "teletype"},
	}

	runner, _ := testRunner(t, false)
	manifest, err := runner.Run(context.Background(), d)
	require.Error(t, err)

	var cerr *descriptor.ConfigurationError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, record.RunFailed, manifest.State)
	assert.Zero(t, requests, "no network activity before configuration validation")
}

// TestRun_DryRun verifies dry runs validate everything but write
// nothing and leave resume state unchanged.
func TestRun_DryRun(t *testing.T) {
	site := newFakeSite(t)
	runner, opts := testRunner(t, true)

	manifest, err := runner.Run(context.Background(), site.descriptor())
	require.NoError(t, err)
	assert.Equal(t, 4, manifest.Counts.New)

	_, err = os.Stat(opts.StorageRoot)
	assert.True(t, os.IsNotExist(err), "dry run writes no output")

	// A real run afterwards still sees everything as new.
	config := fetch.DefaultConfig()
	config.HostDelay = 0
	real := New(fetch.NewClient(config), nil, Options{
		StorageRoot: opts.StorageRoot,
		DedupPath:   opts.DedupPath,
		Concurrency: 2,
	})
	second, err := real.Run(context.Background(), site.descriptor())
	require.NoError(t, err)
	assert.Equal(t, 4, second.Counts.New, "dry run must not consume novelty")
}

// TestRun_Cancellation verifies a cancelled run flushes a manifest with
// partial counts instead of discarding progress.
func TestRun_Cancellation(t *testing.T) {
	site := newFakeSite(t)
	runner, _ := testRunner(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	manifest, err := runner.Run(ctx, site.descriptor())
	require.NoError(t, err)
	assert.Equal(t, record.RunCanceled, manifest.State)
	assert.Equal(t, 0, manifest.Counts.New)
}

// TestRunAll verifies sources run concurrently and one source's
// failure never aborts its siblings.
func TestRunAll(t *testing.T) {
	site := newFakeSite(t)
	runner, _ := testRunner(t, false)

	good := site.descriptor()
	bad := site.descriptor()
	bad.SourceID = "la-quiebra"
	bad.Listing.URLTemplate = site.server.URL + "/missing?page={page}"

	site.overrides["/missing"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}

	manifests := runner.RunAll(context.Background(), map[string]*descriptor.Descriptor{
		good.SourceID: good,
		bad.SourceID:  bad,
	})

	require.Len(t, manifests, 2)
	assert.Equal(t, record.RunDone, manifests["el-diario"].State)
	assert.Equal(t, 4, manifests["el-diario"].Counts.New)
	assert.Equal(t, record.RunFailed, manifests["la-quiebra"].State)
}
