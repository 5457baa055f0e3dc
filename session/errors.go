package session

import (
	"errors"
	"fmt"
)

// RestartError signals that enough went wrong that the session should be
// dropped and the crawl started over.
type RestartError struct {
	Reason string
	Err    error
}

func (e *RestartError) Error() string {
	if e.Err == nil {
		return "restart required: " + e.Reason
	}
	return fmt.Sprintf("restart required: %s: %v", e.Reason, e.Err)
}

func (e *RestartError) Unwrap() error {
	return e.Err
}

// IsRestart reports whether err carries a RestartError.
func IsRestart(err error) bool {
	var restart *RestartError
	return errors.As(err, &restart)
}

// TransportError is a request that failed twice in a row without exhausting
// the failure budget. Callers treat it as "no response".
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DownloadErrorKind distinguishes the two ways streaming an asset can fail.
type DownloadErrorKind int

const (
	DownloadFailed DownloadErrorKind = iota
	DownloadTimedOut
)

// DownloadError is a terminal failure for one asset.
type DownloadError struct {
	Kind DownloadErrorKind
	URL  string
	Err  error
}

func (e *DownloadError) Error() string {
	if e.Kind == DownloadTimedOut {
		return fmt.Sprintf("timed out downloading file %s", e.URL)
	}
	return fmt.Sprintf("unable to download file %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Kind is the coarse outcome of an operation, used to decide between moving on
// and restarting.
type Kind int

const (
	KindOK Kind = iota
	KindRetryable
	KindRestart
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRetryable:
		return "retryable"
	case KindRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// Classify maps an error onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case IsRestart(err):
		return KindRestart
	default:
		return KindRetryable
	}
}
