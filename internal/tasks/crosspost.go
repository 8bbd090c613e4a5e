package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"shopsync/internal/antibot"
	"shopsync/internal/backend"
	"shopsync/internal/scheduler"
	"shopsync/internal/session"
	"shopsync/internal/storage"
	"shopsync/internal/upstream"
	logx "shopsync/pkg/logx"
)

const CrosspostName = "crosspost"

type CrosspostConfig struct {
	// NotBeforeHour/Minute is the earliest local time-of-day (06:10 default).
	NotBeforeHour   int
	NotBeforeMinute int
	// MaxListings caps relists per shop per run (0 = no cap).
	MaxListings int
}

// SyncStatusSource is the backend advisory check (implemented by
// *backend.Client).
type SyncStatusSource interface {
	SyncStatus(ctx context.Context) (backend.SyncStatus, error)
}

// Crosspost republishes ended listings, once per calendar day per shop.
//
// The backend check fails open: duplicated relists are merely wasteful, and
// a flaky backend must not silently stop cross-posting.
type Crosspost struct {
	cfg     CrosspostConfig
	store   storage.Store
	exec    *Exec
	backend SyncStatusSource
	now     scheduler.Clock
	log     logx.Logger
}

func NewCrosspost(cfg CrosspostConfig, store storage.Store, exec *Exec, be SyncStatusSource, now scheduler.Clock, log logx.Logger) *Crosspost {
	if now == nil {
		now = time.Now
	}
	return &Crosspost{cfg: cfg, store: store, exec: exec, backend: be, now: now, log: log}
}

func (t *Crosspost) Name() string { return CrosspostName }

func (t *Crosspost) ShouldRun(ctx context.Context) (bool, error) {
	now := t.now()
	if beforeTimeOfDay(now, t.cfg.NotBeforeHour, t.cfg.NotBeforeMinute) {
		return false, nil
	}
	day, err := lastDay(ctx, t.store, crosspostMarkerKey)
	if err != nil {
		return false, err
	}
	return day != now.Format(time.DateOnly), nil
}

func (t *Crosspost) CheckBackend(ctx context.Context) (bool, error) {
	status, err := t.backend.SyncStatus(ctx)
	if err != nil {
		// Fail open: run anyway, the operation is idempotent enough.
		return true, fmt.Errorf("sync status unavailable, proceeding: %w", err)
	}
	if status[CrosspostName].WindowExecuted {
		return false, nil
	}
	return true, nil
}

func (t *Crosspost) Run(ctx context.Context, sc *session.Context) scheduler.TaskResult {
	res := scheduler.TaskResult{Task: CrosspostName}

	listings, err := t.endedListings(ctx)
	if err != nil {
		res.Message = fmt.Sprintf("list ended: %v", err)
		return res
	}
	if len(listings) == 0 {
		res.Success = true
		res.Message = "nothing to relist"
		return res
	}
	if t.cfg.MaxListings > 0 && len(listings) > t.cfg.MaxListings {
		listings = listings[:t.cfg.MaxListings]
	}

	relisted, failed := 0, 0
	for _, l := range listings {
		if err := t.relist(ctx, l.ID); err != nil {
			failed++
			t.log.Warn("relist failed",
				logx.String("shop", sc.Shop.ClientID),
				logx.String("listing", l.ID),
				logx.Err(err),
			)
			// An open incident fails everything behind it; stop burning items.
			if errors.Is(err, antibot.ErrCaptchaPending) {
				break
			}
			continue
		}
		relisted++
	}

	res.Success = failed == 0
	res.Message = fmt.Sprintf("relisted %d/%d", relisted, len(listings))
	return res
}

func (t *Crosspost) Complete(ctx context.Context) error {
	return setDay(ctx, t.store, crosspostMarkerKey, t.now().Format(time.DateOnly))
}

func (t *Crosspost) Reset(ctx context.Context) error {
	return t.store.Delete(ctx, crosspostMarkerKey)
}

type listing struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (t *Crosspost) endedListings(ctx context.Context) ([]listing, error) {
	var out struct {
		Items []listing `json:"items"`
	}
	req := &upstream.Request{
		Method: http.MethodGet,
		Path:   "/seller/listings",
		Query:  url.Values{"state": {"ended"}},
	}
	if err := t.exec.Do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (t *Crosspost) relist(ctx context.Context, id string) error {
	req := &upstream.Request{
		Method: http.MethodPost,
		Path:   "/seller/listings/" + url.PathEscape(id) + "/relist",
	}
	return t.exec.Do(ctx, req, nil)
}

func beforeTimeOfDay(now time.Time, hour, minute int) bool {
	return now.Hour()*60+now.Minute() < hour*60+minute
}
