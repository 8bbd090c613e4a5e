package scheduler

import (
	"context"
	"strings"
	"time"

	"shopsync/internal/backend"
	"shopsync/internal/session"
)

// Clock abstracts wall time so task windows are testable.
type Clock func() time.Time

// TaskResult is the outcome of one task x shop execution. Always produced;
// a task never throws past its own boundary.
type TaskResult struct {
	Task    string `json:"task"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Message string `json:"message,omitempty"`
}

// RecurringTask is one job definition. Constructed once at process start;
// stateless except small per-invocation caches that Complete resets.
//
// ShouldRun must be idempotent and side-effect-free: it checks only the local
// time-of-day window and the persisted last-run marker.
//
// Run performs the actual work through the request queue stack and must not
// panic or leak errors; it reports via TaskResult.
//
// Complete is invoked exactly once per invocation for every task that entered
// the active set, and for tasks the backend check excluded (the window still
// counts as handled); it persists the last-run marker and resets caches.
type RecurringTask interface {
	Name() string
	ShouldRun(ctx context.Context) (bool, error)
	Run(ctx context.Context, sc *session.Context) TaskResult
	Complete(ctx context.Context) error
}

// BackendChecker is an optional capability: one round-trip asking the backend
// "have you already completed this window on my behalf" (a server-side cron
// may beat us to it). Implementations apply their own fallback policy when
// the backend is unreachable; the returned bool is final.
type BackendChecker interface {
	CheckBackend(ctx context.Context) (bool, error)
}

// ShopFilter is an optional capability: a per-tenant gate, decided once per
// invocation and cached internally by the task until Complete.
type ShopFilter interface {
	ShouldRunForShop(ctx context.Context, shop backend.Shop) (bool, error)
}

// ShopLister yields the tenant list (implemented by *backend.Client).
type ShopLister interface {
	Shops(ctx context.Context) ([]backend.Shop, error)
}

// Report aggregates one whole invocation.
type Report struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Forced   bool          `json:"forced,omitempty"`
	Active   []string      `json:"active"`
	Excluded []string      `json:"excluded,omitempty"` // backend said window already satisfied
	Shops    []ShopReport  `json:"shops,omitempty"`
	Err      string        `json:"err,omitempty"`
	Took     time.Duration `json:"took"`
}

// ShopReport is the per-tenant aggregate: one line in the log.
type ShopReport struct {
	Shop    string       `json:"shop"`
	Results []TaskResult `json:"results,omitempty"`
	Err     string       `json:"err,omitempty"`
}

func (r ShopReport) String() string {
	if r.Err != "" {
		return r.Shop + ": " + r.Err
	}
	parts := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		switch {
		case res.Skipped:
			parts = append(parts, res.Task+"=skipped")
		case res.Success:
			parts = append(parts, res.Task+"=ok")
		default:
			parts = append(parts, res.Task+"=fail")
		}
	}
	return r.Shop + ": " + strings.Join(parts, " ")
}
