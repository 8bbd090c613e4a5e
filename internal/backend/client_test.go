package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "shopsync/pkg/logx"
)

func testClient(t *testing.T, handler http.Handler, ttl time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIToken: "tkn", ShopCacheTTL: ttl}, logx.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSyncStatus(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync-status" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tkn" {
			t.Errorf("auth header = %q", got)
		}
		w.Write([]byte(`{"crosspost":{"window_executed":true},"pricesync":{"current_hour_executed":false}}`))
	}), 0)

	st, err := c.SyncStatus(context.Background())
	if err != nil {
		t.Fatalf("sync status: %v", err)
	}
	if !st["crosspost"].WindowExecuted {
		t.Fatal("crosspost window should be executed")
	}
	if st["pricesync"].CurrentHourExecuted {
		t.Fatal("pricesync hour should be open")
	}
}

func TestShopsCached(t *testing.T) {
	t.Parallel()
	var hits int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`[{"client_id":"a"},{"client_id":"b"}]`))
	}), time.Minute)

	for i := 0; i < 3; i++ {
		shops, err := c.Shops(context.Background())
		if err != nil {
			t.Fatalf("shops: %v", err)
		}
		if len(shops) != 2 {
			t.Fatalf("shops = %d, want 2", len(shops))
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("backend hit %d times, want 1 (cached)", n)
	}

	c.InvalidateShops()
	if _, err := c.Shops(context.Background()); err != nil {
		t.Fatalf("shops after invalidate: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("backend hit %d times after invalidate, want 2", n)
	}
}

func TestSessionToken(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/shops/good/session":
			w.Write([]byte(`{"token":"sess-1"}`))
		case "/shops/empty/session":
			w.Write([]byte(`{"token":""}`))
		default:
			http.NotFound(w, r)
		}
	}), 0)

	tok, err := c.SessionToken(context.Background(), "good")
	if err != nil || tok != "sess-1" {
		t.Fatalf("token = %q err=%v, want sess-1", tok, err)
	}
	if _, err := c.SessionToken(context.Background(), "empty"); err == nil {
		t.Fatal("empty token must be an error")
	}
	if _, err := c.SessionToken(context.Background(), "missing"); err == nil {
		t.Fatal("404 must be an error")
	}
}

func TestShopsDue(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shops/due" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("window"); got != "2026-08-29T12" {
			t.Errorf("window = %q", got)
		}
		w.Write([]byte(`["x","y"]`))
	}), 0)

	ids, err := c.ShopsDue(context.Background(), "2026-08-29T12")
	if err != nil {
		t.Fatalf("shops due: %v", err)
	}
	if len(ids) != 2 || ids[0] != "x" {
		t.Fatalf("ids = %v, want [x y]", ids)
	}
}
