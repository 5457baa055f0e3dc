package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aluiziolira/go-scrape-manga/parser"
	"github.com/aluiziolira/go-scrape-manga/session"
)

// ErrUnexpectedStatus means a document could not be fetched: there was no
// response (Status 0) or it was not 2xx.
type ErrUnexpectedStatus struct {
	URL    string
	Status int
	Err    error
}

func (e ErrUnexpectedStatus) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("cannot get document %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("cannot get document %s: status %d", e.URL, e.Status)
}

func (e ErrUnexpectedStatus) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if session.IsRestart(err) {
		return "restart"
	}
	var download *session.DownloadError
	if errors.As(err, &download) {
		if download.Kind == session.DownloadTimedOut {
			return "timeout"
		}
		return "download"
	}
	var extract *parser.ExtractError
	if errors.As(err, &extract) {
		return "extract"
	}
	var status ErrUnexpectedStatus
	if errors.As(err, &status) {
		switch status.Status {
		case 0:
		case http.StatusForbidden:
			return "forbidden"
		case http.StatusNotFound:
			return "not_found"
		case http.StatusTooManyRequests:
			return "rate_limited"
		default:
			return "http_status"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var transport *session.TransportError
	if errors.As(err, &transport) {
		return "connection"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}
	return "other"
}
