// Package paginate infers the next listing page for a source. Three
// strategies are supported, selected per descriptor: incrementing a
// numbered URL template, following a "next" anchor, and threading an
// opaque continuation token. Every strategist keeps a visited set for
// the run; producing a reference already visited halts traversal as a
// cycle rather than looping. That is a correctness invariant, not an
// optimization.
package paginate

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/avelasquez/prensa/descriptor"
	"github.com/avelasquez/prensa/extract"
)

// Template placeholders in listing URL templates.
const (
	PagePlaceholder  = "{page}"
	TokenPlaceholder = "{token}"
)

// CycleError reports that pagination produced a reference already
// visited in this run. It halts traversal for the source but is not
// fatal to sibling sources.
type CycleError struct {
	SourceID string
	Ref      string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("pagination cycle for %s: %s already visited", e.SourceID, e.Ref)
}

// Strategist walks one source's listing history. It is used by a single
// goroutine; listing traversal is sequential because the next page
// depends on the current page's content.
type Strategist struct {
	d             *descriptor.Descriptor
	visited       map[string]struct{}
	pages         int
	pageNum       int
	prevFirstItem string
	lastToken     string
}

// New creates a strategist for one descriptor.
func New(d *descriptor.Descriptor) *Strategist {
	return &Strategist{
		d:       d,
		visited: make(map[string]struct{}),
		pageNum: d.StartPage(),
	}
}

// Start returns the first listing URL and marks it visited.
func (s *Strategist) Start() string {
	first := expand(s.d.Listing.URLTemplate, s.pageNum, "")
	s.visited[first] = struct{}{}
	s.pages = 1
	return first
}

// LastToken returns the most recent continuation token seen, for the
// run manifest.
func (s *Strategist) LastToken() string { return s.lastToken }

// Next infers the next listing page from the current one. It returns
// an empty reference at end-of-history, when the page-count bound is
// reached, or on any unrecoverable pagination signal; it returns a
// CycleError when the inferred reference was already visited.
func (s *Strategist) Next(page *extract.ListingPage) (string, error) {
	if s.pages >= s.d.MaxPages() {
		return "", nil
	}

	var ref string
	switch s.d.Pagination.Strategy {
	case descriptor.PaginateIncrement:
		ref = s.nextIncrement(page)
	case descriptor.PaginateNextLink:
		ref = s.nextLink(page)
	case descriptor.PaginateToken:
		ref = s.nextToken(page)
	default:
		return "", nil
	}

	if len(page.Items) > 0 {
		s.prevFirstItem = page.Items[0].URL
	}

	if ref == "" {
		return "", nil
	}
	if _, seen := s.visited[ref]; seen {
		return "", &CycleError{SourceID: s.d.SourceID, Ref: ref}
	}

	s.visited[ref] = struct{}{}
	s.pages++
	return ref, nil
}

// nextIncrement terminates on an empty page or when the page opens with
// the same item as the previous one (the site ran out of history and is
// echoing its last page).
func (s *Strategist) nextIncrement(page *extract.ListingPage) string {
	if len(page.Items) == 0 {
		return ""
	}
	if s.prevFirstItem != "" && page.Items[0].URL == s.prevFirstItem {
		return ""
	}
	s.pageNum++
	return expand(s.d.Listing.URLTemplate, s.pageNum, "")
}

// nextLink terminates when the page carries no "next" anchor.
func (s *Strategist) nextLink(page *extract.ListingPage) string {
	if page.Doc == nil {
		return ""
	}
	href, ok := page.Doc.Find(s.d.Pagination.NextSelector).First().Attr("href")
	if !ok {
		return ""
	}
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}

	base, err := url.Parse(page.URL)
	if err != nil {
		return ""
	}
	next, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(next).String()
}

// nextToken terminates when the continuation token is absent or equals
// the descriptor's sentinel.
func (s *Strategist) nextToken(page *extract.ListingPage) string {
	if page.Doc == nil {
		return ""
	}

	sel := page.Doc.Find(s.d.Pagination.NextSelector).First()
	token := tokenValue(sel, s.d.Pagination.TokenAttr)
	if token == "" || token == s.d.Pagination.Sentinel {
		return ""
	}

	s.lastToken = token
	return expand(s.d.Listing.URLTemplate, 0, token)
}

func tokenValue(sel *goquery.Selection, attr string) string {
	if sel.Length() == 0 {
		return ""
	}
	if attr != "" {
		value, _ := sel.Attr(attr)
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(sel.Text())
}

// expand substitutes the page number and token placeholders into a
// listing URL template.
func expand(template string, pageNum int, token string) string {
	expanded := strings.ReplaceAll(template, PagePlaceholder, strconv.Itoa(pageNum))
	return strings.ReplaceAll(expanded, TokenPlaceholder, url.QueryEscape(token))
}
