package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "shopsync/pkg/logx"
)

// Client talks to the seller backend (the "business" API, not the hostile
// marketplace). Plain bearer-token HTTP; failures here are advisory and the
// caller decides the fallback per task.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   logx.Logger

	shopTTL time.Duration

	// shop list cache
	shopMu      sync.Mutex
	shops       []Shop
	shopsCached time.Time
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.ShopCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{
		base:    base,
		token:   cfg.APIToken,
		log:     log,
		http:    &http.Client{Timeout: timeout},
		shopTTL: ttl,
	}, nil
}

// SyncStatus asks the backend which task windows are already satisfied.
func (c *Client) SyncStatus(ctx context.Context) (SyncStatus, error) {
	var out SyncStatus
	if err := c.getJSON(ctx, "/sync-status", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = SyncStatus{}
	}
	return out, nil
}

// Shops returns the tenant list, cached briefly: the list changes rarely and
// the scheduler may be invoked often.
func (c *Client) Shops(ctx context.Context) ([]Shop, error) {
	c.shopMu.Lock()
	if c.shops != nil && time.Since(c.shopsCached) < c.shopTTL {
		out := append([]Shop(nil), c.shops...)
		c.shopMu.Unlock()
		return out, nil
	}
	c.shopMu.Unlock()

	var shops []Shop
	if err := c.getJSON(ctx, "/shops", nil, &shops); err != nil {
		return nil, err
	}

	c.shopMu.Lock()
	c.shops = shops
	c.shopsCached = time.Now()
	c.shopMu.Unlock()

	c.log.Debug("shop list refreshed", logx.Int("count", len(shops)))
	return append([]Shop(nil), shops...), nil
}

// InvalidateShops drops the cached tenant list (ops hook).
func (c *Client) InvalidateShops() {
	c.shopMu.Lock()
	c.shops = nil
	c.shopMu.Unlock()
}

// SessionToken fetches the marketplace session token for one tenant from the
// backend's credential vault. Tokens are short-lived; never cached here.
func (c *Client) SessionToken(ctx context.Context, clientID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.getJSON(ctx, "/shops/"+url.PathEscape(clientID)+"/session", nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("backend returned empty session token for %s", clientID)
	}
	return out.Token, nil
}

// ShopsDue returns the client ids the backend considers due for the given
// billing window (used by the price sync per-shop filter).
func (c *Client) ShopsDue(ctx context.Context, window string) ([]string, error) {
	q := url.Values{}
	if window != "" {
		q.Set("window", window)
	}
	var ids []string
	if err := c.getJSON(ctx, "/shops/due", q, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend %s: decode: %w", path, err)
	}
	return nil
}
