package upstream

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Config points the client at the marketplace seller surface.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration // per request; 0 means 30s
}

// Request is one outbound call to the marketplace.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response carries status and body back to the caller. The core treats any
// non-2xx as an error to classify; see Classify.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	URL    string
}

// Doer performs outbound requests. The production implementation is *Client;
// tests substitute fakes.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}
