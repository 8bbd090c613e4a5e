package upstream

import (
	"errors"
	"fmt"
)

// ErrThrottled marks an HTTP 429 from the marketplace. It is recoverable
// without human action; the request queue retries it with backoff.
var ErrThrottled = errors.New("upstream throttled")

// BlockedError marks an HTTP 403 carrying a vendor incident identifier, i.e.
// a bot-detection block. It is not retried; the antibot breaker owns the
// follow-up.
type BlockedError struct {
	IncidentID string
	URL        string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("upstream blocked (incident %s)", e.IncidentID)
}

// StatusError is any other non-2xx response (a 403 without an incident id
// lands here too, e.g. plain permission failures).
type StatusError struct {
	Status int
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

// Classify maps a response to the error taxonomy. A nil return means 2xx.
func Classify(resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return nil
	case resp.Status == 429:
		return fmt.Errorf("%w: %s", ErrThrottled, resp.URL)
	case resp.Status == 403:
		if id := ExtractIncidentID(resp.Body); id != "" {
			return &BlockedError{IncidentID: id, URL: resp.URL}
		}
		return &StatusError{Status: resp.Status, URL: resp.URL, Body: truncateBody(resp.Body)}
	default:
		return &StatusError{Status: resp.Status, URL: resp.URL, Body: truncateBody(resp.Body)}
	}
}

func truncateBody(b []byte) string {
	const maxN = 512
	if len(b) <= maxN {
		return string(b)
	}
	return string(b[:maxN])
}
