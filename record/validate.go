package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Well-known raw field names the validator gives structure to. Anything
// else an extractor produces is carried along in Record.Raw.
const (
	FieldTitle     = "title"
	FieldURL       = "url"
	FieldBody      = "body"
	FieldThumbnail = "thumbnail_url"
	FieldDate      = "published_at"
)

// ValidationError reports a content-level problem with one field. It is
// never retried; the record is counted as rejected and skipped.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Schema holds the validation rules applied to raw records.
type Schema struct {
	// MinDate rejects published dates before it as malformed rather
	// than silently accepting them.
	MinDate time.Time
	// FutureSlack is how far past now a published date may sit before
	// it is rejected. Newspaper sites routinely carry timezone-skewed
	// timestamps.
	FutureSlack time.Duration
	// MaxTitleLen truncates over-long titles instead of rejecting.
	MaxTitleLen int
	// DateLayouts are tried in order when parsing the published date.
	DateLayouts []string
}

// DefaultSchema returns the default validation rules.
func DefaultSchema() *Schema {
	return &Schema{
		MinDate:     time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		FutureSlack: 48 * time.Hour,
		MaxTitleLen: 500,
		DateLayouts: []string{
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
			"02/01/2006",
			"January 2, 2006",
			"2 January 2006",
		},
	}
}

// Validate coerces a raw record into a Record, or fails with a
// ValidationError naming the offending field. fetchedAt stands in for
// the published date when the source provides none.
func (s *Schema) Validate(raw RawRecord, sourceID string, fetchedAt time.Time) (*Record, error) {
	title := normalizeWhitespace(raw[FieldTitle])
	if title == "" {
		return nil, &ValidationError{Field: FieldTitle, Reason: "missing or empty"}
	}
	if s.MaxTitleLen > 0 && len(title) > s.MaxTitleLen {
		title = title[:s.MaxTitleLen]
	}

	recordURL := strings.TrimSpace(raw[FieldURL])
	if recordURL != "" {
		u, err := url.Parse(recordURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, &ValidationError{Field: FieldURL, Reason: "not a well-formed absolute URL"}
		}
	}

	thumbnail := strings.TrimSpace(raw[FieldThumbnail])
	if thumbnail != "" {
		u, err := url.Parse(thumbnail)
		if err != nil || !u.IsAbs() {
			return nil, &ValidationError{Field: FieldThumbnail, Reason: "not a well-formed absolute URL"}
		}
	}

	var publishedAt *time.Time
	if dateText := strings.TrimSpace(raw[FieldDate]); dateText != "" {
		parsed, err := s.parseDate(dateText)
		if err != nil {
			return nil, &ValidationError{Field: FieldDate, Reason: err.Error()}
		}
		if parsed.Before(s.MinDate) {
			return nil, &ValidationError{
				Field:  FieldDate,
				Reason: fmt.Sprintf("date %s predates minimum %s", parsed.Format("2006-01-02"), s.MinDate.Format("2006-01-02")),
			}
		}
		if parsed.After(time.Now().Add(s.FutureSlack)) {
			return nil, &ValidationError{
				Field:  FieldDate,
				Reason: fmt.Sprintf("date %s is too far in the future", parsed.Format("2006-01-02")),
			}
		}
		publishedAt = &parsed
	}

	externalID := ExternalID(sourceID, recordURL, title, raw[FieldDate])
	if externalID == "" {
		return nil, &ValidationError{Field: "external_id", Reason: "no stable key derivable"}
	}

	rec := &Record{
		SourceID:     sourceID,
		ExternalID:   externalID,
		Title:        title,
		URL:          recordURL,
		Body:         normalizeWhitespace(raw[FieldBody]),
		ThumbnailURL: thumbnail,
		PublishedAt:  publishedAt,
		FetchedAt:    fetchedAt,
	}

	// Carry anything the schema doesn't strictly require.
	for name, value := range raw {
		switch name {
		case FieldTitle, FieldURL, FieldBody, FieldThumbnail, FieldDate:
		default:
			if rec.Raw == nil {
				rec.Raw = make(map[string]string)
			}
			rec.Raw[name] = value
		}
	}

	return rec, nil
}

// WithLayout returns a copy of the schema that tries the given date
// layout first. Used to honor a descriptor's per-field layout hint.
func (s *Schema) WithLayout(layout string) *Schema {
	if layout == "" {
		return s
	}
	copied := *s
	copied.DateLayouts = append([]string{layout}, s.DateLayouts...)
	return &copied
}

func (s *Schema) parseDate(text string) (time.Time, error) {
	for _, layout := range s.DateLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", text)
}

// ExternalID derives the deterministic dedup key for an article: the
// canonical form of its URL when one exists, otherwise a sha256 hex of
// the source, title, and raw date.
func ExternalID(sourceID, rawURL, title, rawDate string) string {
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil && u.IsAbs() {
			return CanonicalURL(u)
		}
	}
	if title == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sourceID + "\x00" + title + "\x00" + rawDate))
	return hex.EncodeToString(sum[:])
}

// CanonicalURL normalizes a URL for use as a dedup key: lowercased
// host, no fragment, no trailing slash on the path.
func CanonicalURL(u *url.URL) string {
	canonical := *u
	canonical.Host = strings.ToLower(canonical.Host)
	canonical.Fragment = ""
	canonical.Path = strings.TrimSuffix(canonical.Path, "/")
	return canonical.String()
}

// normalizeWhitespace collapses runs of whitespace, including newlines,
// into single spaces.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
