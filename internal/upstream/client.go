package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "shopsync/pkg/logx"
)

// Client is the production Doer. It performs the request and returns status
// plus body; it does NOT interpret the status. Callers run Classify (usually
// via the request queue) so 403/429 handling stays in one place.
type Client struct {
	base *url.URL
	http *http.Client
	ua   string
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("upstream base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("upstream base_url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jar := newCookieJar()
	return &Client{
		base: u,
		ua:   cfg.UserAgent,
		log:  log,
		http: &http.Client{Timeout: timeout, Jar: jar},
	}, nil
}

func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	u := *c.base
	u.Path = joinPath(u.Path, req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hr, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if c.ua != "" && hr.Header.Get("User-Agent") == "" {
		hr.Header.Set("User-Agent", c.ua)
	}

	start := time.Now()
	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	c.log.Trace("request done",
		logx.String("method", method),
		logx.String("path", req.Path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   b,
		URL:    u.String(),
	}, nil
}

// SetCookie overwrites a cookie on the client's base host. The session layer
// uses this to re-key the active tenant identity.
func (c *Client) SetCookie(name, value string) {
	if c.http.Jar == nil {
		return
	}
	c.http.Jar.SetCookies(c.base, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

func joinPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	if p == "" {
		return base
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}
