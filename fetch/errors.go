package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// TransientError reports a failure worth retrying: timeouts, connection
// resets, 5xx responses, and 429 throttling.
type TransientError struct {
	URL        string
	StatusCode int // zero when the failure happened below HTTP
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient fetch error: %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transient fetch error: %s: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError reports a failure that retrying cannot fix: 4xx
// responses other than 429, malformed URLs, unsupported schemes.
type PermanentError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent fetch error: %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("permanent fetch error: %s: %v", e.URL, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classify maps a transport-level error to the taxonomy. DNS failures
// and bad URLs are permanent; timeouts and connection problems are
// transient.
func classify(rawURL string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var dnsErr *net.DNSError
		if errors.As(urlErr, &dnsErr) && dnsErr.IsNotFound {
			return &PermanentError{URL: rawURL, Err: err}
		}
	}
	return &TransientError{URL: rawURL, Err: err}
}
