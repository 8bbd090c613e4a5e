package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"shopsync/internal/antibot"
	"shopsync/internal/scheduler"
	"shopsync/internal/session"
	"shopsync/internal/storage"
	"shopsync/internal/upstream"
	logx "shopsync/pkg/logx"
)

const StockAuditName = "stockaudit"

type StockAuditConfig struct {
	// MinInterval between runs (6h default).
	MinInterval time.Duration
	// NotBeforeHour/Minute is the earliest local time-of-day (05:00 default).
	NotBeforeHour   int
	NotBeforeMinute int
}

// StockAudit pauses listings whose marketplace stock hit zero. Purely local
// gating; there is no server-side counterpart to coordinate with.
type StockAudit struct {
	cfg   StockAuditConfig
	store storage.Store
	exec  *Exec
	now   scheduler.Clock
	log   logx.Logger
}

func NewStockAudit(cfg StockAuditConfig, store storage.Store, exec *Exec, now scheduler.Clock, log logx.Logger) *StockAudit {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 6 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &StockAudit{cfg: cfg, store: store, exec: exec, now: now, log: log}
}

func (t *StockAudit) Name() string { return StockAuditName }

func (t *StockAudit) ShouldRun(ctx context.Context) (bool, error) {
	now := t.now()
	if beforeTimeOfDay(now, t.cfg.NotBeforeHour, t.cfg.NotBeforeMinute) {
		return false, nil
	}
	last, err := lastRun(ctx, t.store, stockAuditMarkerKey)
	if err != nil {
		return false, err
	}
	return now.Sub(last) >= t.cfg.MinInterval, nil
}

func (t *StockAudit) Run(ctx context.Context, sc *session.Context) scheduler.TaskResult {
	res := scheduler.TaskResult{Task: StockAuditName}

	items, err := t.stockLevels(ctx)
	if err != nil {
		res.Message = fmt.Sprintf("list stock: %v", err)
		return res
	}

	var empty []stockItem
	for _, it := range items {
		if it.Quantity <= 0 && it.Active {
			empty = append(empty, it)
		}
	}
	if len(empty) == 0 {
		res.Success = true
		res.Message = fmt.Sprintf("audited %d listings, all stocked", len(items))
		return res
	}

	paused, failed := 0, 0
	for _, it := range empty {
		if err := t.pause(ctx, it.ListingID); err != nil {
			failed++
			t.log.Warn("pause failed",
				logx.String("shop", sc.Shop.ClientID),
				logx.String("listing", it.ListingID),
				logx.Err(err),
			)
			if errors.Is(err, antibot.ErrCaptchaPending) {
				break
			}
			continue
		}
		paused++
	}

	res.Success = failed == 0
	res.Message = fmt.Sprintf("paused %d/%d out-of-stock", paused, len(empty))
	return res
}

func (t *StockAudit) Complete(ctx context.Context) error {
	return setLastRun(ctx, t.store, stockAuditMarkerKey, t.now())
}

func (t *StockAudit) Reset(ctx context.Context) error {
	return t.store.Delete(ctx, stockAuditMarkerKey)
}

type stockItem struct {
	ListingID string `json:"listing_id"`
	Quantity  int    `json:"quantity"`
	Active    bool   `json:"active"`
}

func (t *StockAudit) stockLevels(ctx context.Context) ([]stockItem, error) {
	var out struct {
		Items []stockItem `json:"items"`
	}
	req := &upstream.Request{
		Method: http.MethodGet,
		Path:   "/seller/stock",
	}
	if err := t.exec.Do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (t *StockAudit) pause(ctx context.Context, id string) error {
	req := &upstream.Request{
		Method: http.MethodPost,
		Path:   "/seller/listings/" + url.PathEscape(id) + "/pause",
	}
	return t.exec.Do(ctx, req, nil)
}
