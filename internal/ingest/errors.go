package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoData means the upstream payload carried no measurement items.
var ErrNoData = errors.New("no data available in API response")

type FetchErrorKind int

const (
	KindTransport FetchErrorKind = iota
	KindNonSuccessStatus
	KindBodyRead
	KindMalformedJSON
	KindUpstreamReported
)

func (k FetchErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNonSuccessStatus:
		return "non_success_status"
	case KindBodyRead:
		return "body_read"
	case KindMalformedJSON:
		return "malformed_json"
	case KindUpstreamReported:
		return "upstream_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FetchError describes why a single station fetch failed. Which fields are
// set depends on Kind.
type FetchError struct {
	Kind       FetchErrorKind
	Err        error
	StatusCode int
	Header     http.Header
	Body       string
	Message    string
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindTransport:
		return fmt.Sprintf("request failed: %v", e.Err)
	case KindNonSuccessStatus:
		return fmt.Sprintf("received non-success status code: %s\nHeaders: %v\nResponse text: %s",
			statusText(e.StatusCode), e.Header, e.Body)
	case KindBodyRead:
		return fmt.Sprintf("failed to read response text: %v", e.Err)
	case KindMalformedJSON:
		return fmt.Sprintf("failed to parse JSON response: %v\nResponse text: %s", e.Err, e.Body)
	case KindUpstreamReported:
		return fmt.Sprintf("API returned an error: %s", e.Message)
	default:
		return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SetupError aborts a batch before any per-target work starts.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
