// Package descriptor defines the declarative per-site configuration the
// crawl engine consumes. A descriptor names one news source and carries
// everything needed to walk its listing pages and extract articles:
// listing strategy, field selectors, pagination rule, and politeness
// settings. Descriptors are pure data, loaded once at run start and held
// read-only for the duration of the run.
package descriptor

import (
	"fmt"
	"net/url"
	"time"
)

// Listing kinds.
const (
	ListingHTML = "html"
	ListingFeed = "feed"
)

// Pagination strategies.
const (
	PaginateIncrement = "increment"
	PaginateNextLink  = "next_link"
	PaginateToken     = "token"
	PaginateNone      = "none"
)

// Descriptor describes one news source.
type Descriptor struct {
	SourceID string `yaml:"source_id"`
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"base_url"`

	Listing    ListingRule          `yaml:"listing"`
	Fields     map[string]FieldRule `yaml:"fields"`
	Pagination PaginationRule       `yaml:"pagination"`
	RateLimit  RateLimitRule        `yaml:"rate_limit"`
}

// ListingRule describes how article references are enumerated. For
// "html" listings ItemSelector locates one anchor (or card containing
// an anchor) per article. For "feed" listings the URLTemplate points at
// an RSS/Atom document and the selectors are unused.
type ListingRule struct {
	Kind         string `yaml:"kind"`
	URLTemplate  string `yaml:"url_template"`
	ItemSelector string `yaml:"item_selector"`
	// Optional selectors evaluated within each listing item, producing
	// listing-level raw fields (e.g. a thumbnail only present on the
	// index page).
	ItemFields map[string]FieldRule `yaml:"item_fields,omitempty"`
}

// FieldRule describes how one raw field is pulled out of a document.
// An empty Attr means element text; otherwise the named attribute is
// read. Layout, when set, is the Go time layout the validator should
// try first when coercing this field to a date.
type FieldRule struct {
	Selector string `yaml:"selector"`
	Attr     string `yaml:"attr,omitempty"`
	Layout   string `yaml:"layout,omitempty"`
}

// PaginationRule selects and parameterizes a next-page strategy.
type PaginationRule struct {
	Strategy string `yaml:"strategy"`
	// NextSelector locates the "next" anchor (next_link) or the element
	// carrying the continuation token (token).
	NextSelector string `yaml:"next_selector,omitempty"`
	// TokenAttr names the attribute holding the token; empty means
	// element text.
	TokenAttr string `yaml:"token_attr,omitempty"`
	// Sentinel is a token value that signals end-of-history, in
	// addition to an absent token.
	Sentinel string `yaml:"sentinel,omitempty"`
	// StartPage is the first page number substituted into the URL
	// template for the increment strategy. Defaults to 1.
	StartPage int `yaml:"start_page,omitempty"`
	// MaxPages bounds listing traversal. Defaults to DefaultMaxPages.
	MaxPages int `yaml:"max_pages,omitempty"`
}

// RateLimitRule carries per-host politeness settings.
type RateLimitRule struct {
	// Delay is the minimum interval between requests to this source's
	// host, as a Go duration string ("2s", "500ms").
	Delay string `yaml:"delay,omitempty"`
}

// DefaultMaxPages bounds listing traversal for descriptors that don't
// set their own limit.
const DefaultMaxPages = 50

// ConfigurationError reports a malformed descriptor. It is fatal at run
// start, before any network activity.
type ConfigurationError struct {
	SourceID string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("descriptor %s: %s: %s", e.SourceID, e.Field, e.Reason)
}

// MaxPages returns the listing traversal bound for this descriptor.
func (d *Descriptor) MaxPages() int {
	if d.Pagination.MaxPages > 0 {
		return d.Pagination.MaxPages
	}
	return DefaultMaxPages
}

// StartPage returns the first page number for increment pagination.
func (d *Descriptor) StartPage() int {
	if d.Pagination.StartPage > 0 {
		return d.Pagination.StartPage
	}
	return 1
}

// Delay returns the per-host politeness delay, or zero when unset.
func (d *Descriptor) Delay() time.Duration {
	if d.RateLimit.Delay == "" {
		return 0
	}
	delay, err := time.ParseDuration(d.RateLimit.Delay)
	if err != nil {
		return 0
	}
	return delay
}

// Host returns the hostname of the source's base URL.
func (d *Descriptor) Host() string {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Validate checks the descriptor for structural problems. It returns a
// ConfigurationError describing the first problem found.
func (d *Descriptor) Validate() error {
	if d.SourceID == "" {
		return &ConfigurationError{SourceID: d.SourceID, Field: "source_id", Reason: "must not be empty"}
	}

	u, err := url.Parse(d.BaseURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return &ConfigurationError{SourceID: d.SourceID, Field: "base_url", Reason: "must be an absolute http(s) URL"}
	}

	switch d.Listing.Kind {
	case ListingHTML:
		if d.Listing.ItemSelector == "" {
			return &ConfigurationError{SourceID: d.SourceID, Field: "listing.item_selector", Reason: "required for html listings"}
		}
	case ListingFeed:
		// Feed listings need only a URL template.
	default:
		return &ConfigurationError{SourceID: d.SourceID, Field: "listing.kind", Reason: fmt.Sprintf("unknown kind %q", d.Listing.Kind)}
	}

	if d.Listing.URLTemplate == "" {
		return &ConfigurationError{SourceID: d.SourceID, Field: "listing.url_template", Reason: "must not be empty"}
	}

	switch d.Pagination.Strategy {
	case PaginateIncrement, PaginateNone, "":
	case PaginateNextLink:
		if d.Pagination.NextSelector == "" {
			return &ConfigurationError{SourceID: d.SourceID, Field: "pagination.next_selector", Reason: "required for next_link pagination"}
		}
	case PaginateToken:
		if d.Pagination.NextSelector == "" {
			return &ConfigurationError{SourceID: d.SourceID, Field: "pagination.next_selector", Reason: "required for token pagination"}
		}
	default:
		return &ConfigurationError{SourceID: d.SourceID, Field: "pagination.strategy", Reason: fmt.Sprintf("unknown strategy %q", d.Pagination.Strategy)}
	}

	if d.RateLimit.Delay != "" {
		if _, err := time.ParseDuration(d.RateLimit.Delay); err != nil {
			return &ConfigurationError{SourceID: d.SourceID, Field: "rate_limit.delay", Reason: "must be a valid duration"}
		}
	}

	return nil
}
