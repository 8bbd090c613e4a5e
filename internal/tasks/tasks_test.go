package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"shopsync/internal/antibot"
	"shopsync/internal/backend"
	"shopsync/internal/notify"
	"shopsync/internal/requestqueue"
	"shopsync/internal/session"
	"shopsync/internal/storage"
	"shopsync/internal/upstream"
	logx "shopsync/pkg/logx"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var noon = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

type fakeStatus struct {
	status backend.SyncStatus
	err    error
}

func (f *fakeStatus) SyncStatus(ctx context.Context) (backend.SyncStatus, error) {
	return f.status, f.err
}

type fakeDue struct {
	mu    sync.Mutex
	ids   []string
	err   error
	calls int
}

func (f *fakeDue) ShopsDue(ctx context.Context, window string) ([]string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.ids, f.err
}

func (f *fakeDue) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDoer answers canned responses keyed by "METHOD path" and records calls.
type fakeDoer struct {
	mu    sync.Mutex
	resps map[string]*upstream.Response
	calls []string
}

func (d *fakeDoer) Do(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	key := req.Method + " " + req.Path
	d.mu.Lock()
	d.calls = append(d.calls, key)
	resp := d.resps[key]
	d.mu.Unlock()
	if resp == nil {
		return &upstream.Response{Status: 200, Body: []byte("{}")}, nil
	}
	return resp, nil
}

func (d *fakeDoer) countPrefix(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func testExec(t *testing.T, doer upstream.Doer, brk *antibot.Breaker) *Exec {
	t.Helper()
	q := requestqueue.New(requestqueue.StaticSource(requestqueue.Policy{MaxConcurrent: 1}), brk, logx.Nop(),
		requestqueue.WithRetryBase(time.Millisecond))
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return &Exec{Queue: q, Upstream: doer, Breaker: brk}
}

func shopCtx(id string) *session.Context {
	return &session.Context{Shop: backend.Shop{ClientID: id}}
}

func TestCrosspostShouldRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := CrosspostConfig{NotBeforeHour: 6, NotBeforeMinute: 10}

	tests := []struct {
		name      string
		now       time.Time
		markerDay string
		want      bool
	}{
		{name: "before window", now: time.Date(2026, 8, 29, 5, 59, 0, 0, time.UTC), want: false},
		{name: "window edge", now: time.Date(2026, 8, 29, 6, 10, 0, 0, time.UTC), want: true},
		{name: "already ran today", now: noon, markerDay: "2026-08-29", want: false},
		{name: "ran yesterday", now: noon, markerDay: "2026-08-28", want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemory()
			if tt.markerDay != "" {
				if err := store.Put(ctx, crosspostMarkerKey, []byte(tt.markerDay)); err != nil {
					t.Fatalf("seed marker: %v", err)
				}
			}
			task := NewCrosspost(cfg, store, nil, nil, fixedClock(tt.now), logx.Nop())
			got, err := task.ShouldRun(ctx)
			if err != nil {
				t.Fatalf("ShouldRun: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ShouldRun = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCrosspostCheckBackendFailsOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	down := NewCrosspost(CrosspostConfig{}, store, nil, &fakeStatus{err: fmt.Errorf("502")}, fixedClock(noon), logx.Nop())
	proceed, err := down.CheckBackend(ctx)
	if !proceed {
		t.Fatal("unreachable backend must not block crossposting")
	}
	if err == nil {
		t.Fatal("degraded check should surface the error for logging")
	}

	sat := NewCrosspost(CrosspostConfig{}, store, nil, &fakeStatus{
		status: backend.SyncStatus{CrosspostName: {WindowExecuted: true}},
	}, fixedClock(noon), logx.Nop())
	proceed, err = sat.CheckBackend(ctx)
	if proceed || err != nil {
		t.Fatalf("satisfied window: proceed=%v err=%v, want false/nil", proceed, err)
	}
}

func TestCrosspostRunRelistsWithCap(t *testing.T) {
	t.Parallel()
	doer := &fakeDoer{resps: map[string]*upstream.Response{
		"GET /seller/listings": {Status: 200, Body: []byte(`{"items":[{"id":"l1"},{"id":"l2"},{"id":"l3"}]}`)},
	}}
	brk := antibot.New(storage.NewMemory(), notify.Nop{}, logx.Nop())
	exec := testExec(t, doer, brk)

	task := NewCrosspost(CrosspostConfig{MaxListings: 2}, storage.NewMemory(), exec, nil, fixedClock(noon), logx.Nop())
	res := task.Run(context.Background(), shopCtx("s1"))

	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if n := doer.countPrefix("POST /seller/listings/"); n != 2 {
		t.Fatalf("relist calls = %d, want capped at 2", n)
	}
}

func TestCrosspostCompleteClosesWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	task := NewCrosspost(CrosspostConfig{}, store, nil, nil, fixedClock(noon), logx.Nop())

	if err := task.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	due, err := task.ShouldRun(ctx)
	if err != nil {
		t.Fatalf("ShouldRun: %v", err)
	}
	if due {
		t.Fatal("task still due after Complete on the same day")
	}

	if err := task.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if due, _ = task.ShouldRun(ctx); !due {
		t.Fatal("task not due after Reset")
	}
}

func TestRunTripsBreakerOnIncident403(t *testing.T) {
	t.Parallel()
	doer := &fakeDoer{resps: map[string]*upstream.Response{
		"GET /seller/listings": {Status: 403, Body: []byte(`{"incidentId":"blk-7"}`), URL: "https://m/listings"},
	}}
	brk := antibot.New(storage.NewMemory(), notify.Nop{}, logx.Nop())
	exec := testExec(t, doer, brk)

	task := NewCrosspost(CrosspostConfig{}, storage.NewMemory(), exec, nil, fixedClock(noon), logx.Nop())
	res := task.Run(context.Background(), shopCtx("s1"))

	if res.Success {
		t.Fatal("blocked run must not report success")
	}
	if !brk.Tripped() {
		t.Fatal("breaker should trip on incident 403")
	}
	inc, _ := brk.Incident()
	if inc.IncidentID != "blk-7" {
		t.Fatalf("incident = %+v, want blk-7", inc)
	}
}

func TestPriceSyncShouldRunInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	task := NewPriceSync(PriceSyncConfig{MinInterval: time.Hour}, store, nil, nil, nil, fixedClock(noon), logx.Nop())

	if due, _ := task.ShouldRun(ctx); !due {
		t.Fatal("no marker: task must be due")
	}

	if err := setLastRun(ctx, store, priceSyncMarkerKey, noon.Add(-30*time.Minute)); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	if due, _ := task.ShouldRun(ctx); due {
		t.Fatal("30m since last run: task must not be due")
	}

	if err := setLastRun(ctx, store, priceSyncMarkerKey, noon.Add(-61*time.Minute)); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	if due, _ := task.ShouldRun(ctx); !due {
		t.Fatal("61m since last run: task must be due")
	}
}

func TestPriceSyncCheckBackendFailsClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	task := NewPriceSync(PriceSyncConfig{}, storage.NewMemory(), nil,
		&fakeStatus{err: fmt.Errorf("timeout")}, nil, fixedClock(noon), logx.Nop())

	proceed, err := task.CheckBackend(ctx)
	if proceed {
		t.Fatal("unreachable backend must hold price sync back")
	}
	if err == nil {
		t.Fatal("expected the error to surface")
	}

	sat := NewPriceSync(PriceSyncConfig{}, storage.NewMemory(), nil,
		&fakeStatus{status: backend.SyncStatus{PriceSyncName: {CurrentHourExecuted: true}}}, nil, fixedClock(noon), logx.Nop())
	if proceed, err = sat.CheckBackend(ctx); proceed || err != nil {
		t.Fatalf("satisfied hour: proceed=%v err=%v, want false/nil", proceed, err)
	}
}

func TestPriceSyncDueListCachedPerInvocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	due := &fakeDue{ids: []string{"shop-b"}}
	store := storage.NewMemory()
	task := NewPriceSync(PriceSyncConfig{}, store, nil, nil, due, fixedClock(noon), logx.Nop())

	shops := []backend.Shop{{ClientID: "shop-a"}, {ClientID: "shop-b"}, {ClientID: "shop-c"}}
	var allowed []string
	for _, s := range shops {
		ok, err := task.ShouldRunForShop(ctx, s)
		if err != nil {
			t.Fatalf("filter %s: %v", s.ClientID, err)
		}
		if ok {
			allowed = append(allowed, s.ClientID)
		}
	}
	if len(allowed) != 1 || allowed[0] != "shop-b" {
		t.Fatalf("allowed = %v, want [shop-b]", allowed)
	}
	if due.callCount() != 1 {
		t.Fatalf("due list fetched %d times in one invocation, want 1", due.callCount())
	}

	// Complete drops the cache; the next invocation re-fetches.
	if err := task.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := task.ShouldRunForShop(ctx, shops[0]); err != nil {
		t.Fatalf("filter after complete: %v", err)
	}
	if due.callCount() != 2 {
		t.Fatalf("due list fetched %d times after Complete, want 2", due.callCount())
	}
}

func TestStockAuditShouldRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := StockAuditConfig{MinInterval: 6 * time.Hour, NotBeforeHour: 5}

	store := storage.NewMemory()
	early := NewStockAudit(cfg, store, nil, fixedClock(time.Date(2026, 8, 29, 4, 30, 0, 0, time.UTC)), logx.Nop())
	if due, _ := early.ShouldRun(ctx); due {
		t.Fatal("must not run before 05:00")
	}

	task := NewStockAudit(cfg, store, nil, fixedClock(noon), logx.Nop())
	if due, _ := task.ShouldRun(ctx); !due {
		t.Fatal("no marker at noon: task must be due")
	}

	if err := setLastRun(ctx, store, stockAuditMarkerKey, noon.Add(-2*time.Hour)); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	if due, _ := task.ShouldRun(ctx); due {
		t.Fatal("2h since last run: task must not be due")
	}
}

func TestStockAuditPausesOnlyEmptyActiveListings(t *testing.T) {
	t.Parallel()
	doer := &fakeDoer{resps: map[string]*upstream.Response{
		"GET /seller/stock": {Status: 200, Body: []byte(
			`{"items":[
				{"listing_id":"a","quantity":0,"active":true},
				{"listing_id":"b","quantity":5,"active":true},
				{"listing_id":"c","quantity":0,"active":false}
			]}`)},
	}}
	brk := antibot.New(storage.NewMemory(), notify.Nop{}, logx.Nop())
	exec := testExec(t, doer, brk)

	task := NewStockAudit(StockAuditConfig{}, storage.NewMemory(), exec, fixedClock(noon), logx.Nop())
	res := task.Run(context.Background(), shopCtx("s1"))

	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if n := doer.countPrefix("POST /seller/listings/a/pause"); n != 1 {
		t.Fatalf("pause calls for a = %d, want 1", n)
	}
	if n := doer.countPrefix("POST /seller/listings/b"); n != 0 {
		t.Fatal("stocked listing must not be paused")
	}
	if n := doer.countPrefix("POST /seller/listings/c"); n != 0 {
		t.Fatal("inactive listing must not be paused")
	}
}
