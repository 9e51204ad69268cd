package share

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// transientError wraps an error that is expected to clear up on its own:
// connection refused, timeout, a 5xx response, a TCP reset observed by a
// polling pump. Per spec.md §7, the caller's response to a transientError
// is to back off and retry; the tunnel stays open.
type transientError struct {
	cause error
}

func newTransientError(cause error) error {
	return &transientError{cause: cause}
}

func (e *transientError) Error() string { return e.cause.Error() }
func (e *transientError) Unwrap() error { return e.cause }

// IsTransient reports whether err (or something it wraps) was classified
// as a transientError.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// fatalError wraps an error that ends the tunnel outright: an unexpected
// failure in a pump, local EOF, an explicit DELETE. Per spec.md §7, the
// caller's response to a fatalError is to set the shutdown flag, issue a
// best-effort DELETE to the peer, and close local handles.
type fatalError struct {
	cause error
}

func newFatalError(cause error) error {
	return &fatalError{cause: cause}
}

func (e *fatalError) Error() string { return e.cause.Error() }
func (e *fatalError) Unwrap() error { return e.cause }

// IsFatal reports whether err (or something it wraps) was classified as
// a fatalError.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// classifyTransportErr wraps an error returned by http.Client.Do as
// transientError per spec.md §7 ("connection refused, timeout, etc."):
// essentially any network-level failure to reach the peer, which is
// expected to clear up once the server comes back. Anything that is not
// recognizably a net error (e.g. a malformed request) is treated as
// fatal, matching spec.md §7's "unexpected errors trigger the shutdown
// flag".
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	// http.Client.Do returns a *url.Error, which itself satisfies
	// net.Error, so classify by the error it wraps.
	cause := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		cause = urlErr.Err
	}
	var netErr net.Error
	if errors.As(cause, &netErr) {
		return newTransientError(err)
	}
	return newFatalError(err)
}

// classifyStatus turns a non-200 HTTP response status into a
// transientError (5xx, matching spec.md §7's "5xx" example of a
// transient transport error) or a fatalError (any other status, which
// indicates a protocol-level problem rather than a transient outage).
func classifyStatus(statusCode int) error {
	err := fmt.Errorf("unexpected status %d %s", statusCode, http.StatusText(statusCode))
	if statusCode >= 500 {
		return newTransientError(err)
	}
	return newFatalError(err)
}
