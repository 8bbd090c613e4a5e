package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"shopsync/internal/antibot"
	"shopsync/internal/backend"
	"shopsync/internal/scheduler"
	"shopsync/internal/session"
	"shopsync/internal/storage"
	"shopsync/internal/upstream"
	logx "shopsync/pkg/logx"
)

const PriceSyncName = "pricesync"

type PriceSyncConfig struct {
	// MinInterval between runs (1h default).
	MinInterval time.Duration
}

// DueSource yields the client ids the backend considers due for a billing
// window (implemented by *backend.Client).
type DueSource interface {
	ShopsDue(ctx context.Context, window string) ([]string, error)
}

// PriceSync pushes stale prices to the marketplace, at most once per hour.
//
// The backend check fails closed: a wrong price is worse than a late one, so
// when the backend can't confirm the hour is open the task waits for the next
// tick. Only shops the backend marks due are visited; the due set is fetched
// once per invocation and dropped in Complete.
type PriceSync struct {
	cfg     PriceSyncConfig
	store   storage.Store
	exec    *Exec
	backend SyncStatusSource
	due     DueSource
	now     scheduler.Clock
	log     logx.Logger

	mu      sync.Mutex
	dueSet  map[string]bool
	fetched bool
}

func NewPriceSync(cfg PriceSyncConfig, store storage.Store, exec *Exec, be SyncStatusSource, due DueSource, now scheduler.Clock, log logx.Logger) *PriceSync {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &PriceSync{cfg: cfg, store: store, exec: exec, backend: be, due: due, now: now, log: log}
}

func (t *PriceSync) Name() string { return PriceSyncName }

func (t *PriceSync) ShouldRun(ctx context.Context) (bool, error) {
	last, err := lastRun(ctx, t.store, priceSyncMarkerKey)
	if err != nil {
		return false, err
	}
	return t.now().Sub(last) >= t.cfg.MinInterval, nil
}

func (t *PriceSync) CheckBackend(ctx context.Context) (bool, error) {
	status, err := t.backend.SyncStatus(ctx)
	if err != nil {
		// Fail closed: stale prices beat wrong ones.
		return false, fmt.Errorf("sync status unavailable, holding back: %w", err)
	}
	if status[PriceSyncName].CurrentHourExecuted {
		return false, nil
	}
	return true, nil
}

// ShouldRunForShop consults the backend's due list, fetched once per
// invocation.
func (t *PriceSync) ShouldRunForShop(ctx context.Context, shop backend.Shop) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.fetched {
		window := t.now().Format("2006-01-02T15")
		ids, err := t.due.ShopsDue(ctx, window)
		if err != nil {
			return false, fmt.Errorf("due list: %w", err)
		}
		t.dueSet = make(map[string]bool, len(ids))
		for _, id := range ids {
			t.dueSet[id] = true
		}
		t.fetched = true
	}
	return t.dueSet[shop.ClientID], nil
}

func (t *PriceSync) Run(ctx context.Context, sc *session.Context) scheduler.TaskResult {
	res := scheduler.TaskResult{Task: PriceSyncName}

	stale, err := t.stalePrices(ctx)
	if err != nil {
		res.Message = fmt.Sprintf("list stale: %v", err)
		return res
	}
	if len(stale) == 0 {
		res.Success = true
		res.Message = "prices current"
		return res
	}

	updated, failed := 0, 0
	for _, p := range stale {
		if err := t.updatePrice(ctx, p); err != nil {
			failed++
			t.log.Warn("price update failed",
				logx.String("shop", sc.Shop.ClientID),
				logx.String("listing", p.ListingID),
				logx.Err(err),
			)
			if errors.Is(err, antibot.ErrCaptchaPending) {
				break
			}
			continue
		}
		updated++
	}

	res.Success = failed == 0
	res.Message = fmt.Sprintf("updated %d/%d", updated, len(stale))
	return res
}

func (t *PriceSync) Complete(ctx context.Context) error {
	t.mu.Lock()
	t.dueSet = nil
	t.fetched = false
	t.mu.Unlock()
	return setLastRun(ctx, t.store, priceSyncMarkerKey, t.now())
}

func (t *PriceSync) Reset(ctx context.Context) error {
	return t.store.Delete(ctx, priceSyncMarkerKey)
}

type priceUpdate struct {
	ListingID string `json:"listing_id"`
	Cents     int64  `json:"cents"`
	Currency  string `json:"currency"`
}

func (t *PriceSync) stalePrices(ctx context.Context) ([]priceUpdate, error) {
	var out struct {
		Items []priceUpdate `json:"items"`
	}
	req := &upstream.Request{
		Method: http.MethodGet,
		Path:   "/seller/prices",
		Query:  url.Values{"state": {"stale"}},
	}
	if err := t.exec.Do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (t *PriceSync) updatePrice(ctx context.Context, p priceUpdate) error {
	body, err := json.Marshal(map[string]any{"cents": p.Cents, "currency": p.Currency})
	if err != nil {
		return err
	}
	req := &upstream.Request{
		Method: http.MethodPut,
		Path:   "/seller/listings/" + url.PathEscape(p.ListingID) + "/price",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	}
	return t.exec.Do(ctx, req, nil)
}
