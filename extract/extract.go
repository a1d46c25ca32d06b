// Package extract applies a descriptor's field rules to fetched
// documents. It is a pure transformation: one document in, raw fields
// out, with no type coercion and no network access. Missing selectors
// yield absent fields, not errors; absence is resolved downstream by
// the validator.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/avelasquez/prensa/descriptor"
	"github.com/avelasquez/prensa/record"
)

// ItemRef is one article reference discovered on a listing page,
// together with any listing-level fields (a thumbnail only present on
// the index, a card title).
type ItemRef struct {
	URL    string
	Fields record.RawRecord
}

// ListingPage is the parsed form of one listing document.
type ListingPage struct {
	URL   string
	Items []ItemRef
	// Doc is the parsed HTML for html listings, nil for feed listings.
	// The pagination strategist reads next-page markers from it.
	Doc *goquery.Document
}

// Listing parses a listing document according to the descriptor's
// listing rule, enumerating item references in page order.
func Listing(d *descriptor.Descriptor, pageURL string, body []byte) (*ListingPage, error) {
	switch d.Listing.Kind {
	case descriptor.ListingFeed:
		return feedListing(pageURL, body)
	default:
		return htmlListing(d, pageURL, body)
	}
}

func htmlListing(d *descriptor.Descriptor, pageURL string, body []byte) (*ListingPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listing page URL: %w", err)
	}

	page := &ListingPage{URL: pageURL, Doc: doc}
	doc.Find(d.Listing.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
		href := itemHref(sel)
		if href == "" {
			return
		}
		absolute := resolve(base, href)
		if absolute == "" {
			return
		}

		fields := record.RawRecord{}
		for name, rule := range d.Listing.ItemFields {
			if value := applyRule(sel.Find(rule.Selector).First(), rule, base); value != "" {
				fields[name] = value
			}
		}

		page.Items = append(page.Items, ItemRef{URL: absolute, Fields: fields})
	})

	return page, nil
}

// feedListing enumerates items from an RSS/Atom document. gofeed
// normalizes both formats, so the same mapping covers either.
func feedListing(pageURL string, body []byte) (*ListingPage, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	page := &ListingPage{URL: pageURL}
	for _, item := range feed.Items {
		if item.Link == "" {
			continue
		}

		fields := record.RawRecord{}
		if item.Title != "" {
			fields[record.FieldTitle] = item.Title
		}
		if item.Description != "" {
			fields[record.FieldBody] = item.Description
		}
		if item.PublishedParsed != nil {
			fields[record.FieldDate] = item.PublishedParsed.Format(time.RFC3339)
		} else if item.UpdatedParsed != nil {
			fields[record.FieldDate] = item.UpdatedParsed.Format(time.RFC3339)
		}
		if item.Image != nil && item.Image.URL != "" {
			fields[record.FieldThumbnail] = item.Image.URL
		}

		page.Items = append(page.Items, ItemRef{URL: item.Link, Fields: fields})
	}

	return page, nil
}

// Detail applies the descriptor's field rules to an article page,
// producing best-effort raw values. The page URL is recorded under the
// "url" field unless a rule extracted one explicitly.
func Detail(d *descriptor.Descriptor, pageURL string, body []byte) (record.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid article page URL: %w", err)
	}

	raw := record.RawRecord{}
	for name, rule := range d.Fields {
		if value := applyRule(doc.Find(rule.Selector).First(), rule, base); value != "" {
			raw[name] = value
		}
	}

	if _, ok := raw[record.FieldURL]; !ok {
		raw[record.FieldURL] = pageURL
	}

	return raw, nil
}

// applyRule reads one raw value from a selection: the named attribute
// when the rule sets one, element text otherwise. URL-carrying
// attributes are resolved to absolute form against the page URL.
func applyRule(sel *goquery.Selection, rule descriptor.FieldRule, base *url.URL) string {
	if sel.Length() == 0 {
		return ""
	}

	if rule.Attr != "" {
		value, ok := sel.Attr(rule.Attr)
		if !ok {
			return ""
		}
		value = strings.TrimSpace(value)
		if rule.Attr == "href" || rule.Attr == "src" {
			return resolve(base, value)
		}
		return value
	}

	return strings.TrimSpace(sel.Text())
}

// itemHref finds the article link for a listing item: the item element
// itself when it is an anchor, otherwise the first anchor inside it.
func itemHref(sel *goquery.Selection) string {
	if href, ok := sel.Attr("href"); ok {
		return strings.TrimSpace(href)
	}
	href, _ := sel.Find("a").First().Attr("href")
	return strings.TrimSpace(href)
}

// resolve turns a possibly relative reference into an absolute URL.
func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}
