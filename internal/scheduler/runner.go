package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shopsync/internal/backend"
	"shopsync/internal/session"
	logx "shopsync/pkg/logx"
)

// Runner executes one scheduler invocation: decide the active task set, then
// walk every tenant strictly sequentially, acquiring the shared session
// context once per shop and running all active tasks under it. Identity
// switches dominate the cost of an invocation, so the loop is shop-major,
// not task-major.
type Runner struct {
	tasks    []RecurringTask
	shops    ShopLister
	sessions *session.Manager
	log      logx.Logger
	now      Clock
}

func NewRunner(tasks []RecurringTask, shops ShopLister, sessions *session.Manager, now Clock, log logx.Logger) *Runner {
	if now == nil {
		now = time.Now
	}
	return &Runner{tasks: tasks, shops: shops, sessions: sessions, log: log, now: now}
}

// RunOnce performs a single invocation. force bypasses the local window and
// marker gates (operator "run now"); the backend advisory check still applies
// because re-running a window the backend already completed would duplicate
// listings.
func (r *Runner) RunOnce(ctx context.Context, force bool) *Report {
	rep := &Report{
		ID:      uuid.NewString(),
		Started: r.now(),
		Forced:  force,
	}
	defer func() {
		rep.Finished = r.now()
		rep.Took = rep.Finished.Sub(rep.Started)
	}()

	log := r.log.With(logx.String("run", rep.ID))

	active, excluded := r.selectTasks(ctx, log, force)
	for _, t := range active {
		rep.Active = append(rep.Active, t.Name())
	}
	for _, t := range excluded {
		rep.Excluded = append(rep.Excluded, t.Name())
	}

	// Backend-satisfied tasks never run here, but their window is handled:
	// mark it so the local gate stays closed until the next window.
	for _, t := range excluded {
		if err := t.Complete(ctx); err != nil {
			log.Warn("task complete failed", logx.String("task", t.Name()), logx.Err(err))
		}
	}

	if len(active) == 0 {
		log.Debug("no tasks due")
		return rep
	}

	shops, err := r.shops.Shops(ctx)
	if err != nil {
		// Nothing ran, so no markers move; the next invocation retries.
		rep.Err = fmt.Sprintf("list shops: %v", err)
		log.Error("shop list unavailable", logx.Err(err))
		return rep
	}
	log.Info("invocation started",
		logx.Any("tasks", rep.Active),
		logx.Int("shops", len(shops)),
		logx.Bool("forced", force),
	)

	for _, shop := range shops {
		if ctx.Err() != nil {
			rep.Err = ctx.Err().Error()
			break
		}
		sr := r.runShop(ctx, shop, active)
		rep.Shops = append(rep.Shops, sr)
		if sr.Err != "" {
			log.Warn("shop processed", logx.String("summary", sr.String()))
		} else {
			log.Info("shop processed", logx.String("summary", sr.String()))
		}
	}

	for _, t := range active {
		if err := t.Complete(ctx); err != nil {
			log.Warn("task complete failed", logx.String("task", t.Name()), logx.Err(err))
		}
	}

	log.Info("invocation finished",
		logx.Int("shops", len(rep.Shops)),
		logx.Duration("took", r.now().Sub(rep.Started)),
	)
	return rep
}

// selectTasks applies the local gates (window + marker) and the optional
// backend advisory check. Local gate errors skip the task for this
// invocation; the backend check applies each task's own fallback policy.
func (r *Runner) selectTasks(ctx context.Context, log logx.Logger, force bool) (active, excluded []RecurringTask) {
	for _, t := range r.tasks {
		if !force {
			due, err := t.ShouldRun(ctx)
			if err != nil {
				log.Warn("task gate failed", logx.String("task", t.Name()), logx.Err(err))
				continue
			}
			if !due {
				continue
			}
		}
		if bc, ok := t.(BackendChecker); ok {
			proceed, err := bc.CheckBackend(ctx)
			if err != nil {
				log.Warn("backend check degraded", logx.String("task", t.Name()), logx.Err(err))
			}
			if !proceed {
				if err == nil {
					excluded = append(excluded, t)
				}
				// Unreachable backend with a fail-closed policy is a plain
				// skip: the window is not handled and retries next tick.
				continue
			}
		}
		active = append(active, t)
	}
	return active, excluded
}

// runShop acquires the shared execution context for one tenant and runs every
// active task under it. Task failures are isolated; a context acquisition
// failure skips the whole shop.
func (r *Runner) runShop(ctx context.Context, shop backend.Shop, active []RecurringTask) ShopReport {
	sr := ShopReport{Shop: shop.ClientID}

	// Per-shop filters first: if nothing wants this tenant, skip the
	// identity switch entirely.
	var due []RecurringTask
	for _, t := range active {
		if f, ok := t.(ShopFilter); ok {
			want, err := f.ShouldRunForShop(ctx, shop)
			if err != nil {
				sr.Results = append(sr.Results, TaskResult{
					Task: t.Name(), Skipped: true,
					Message: fmt.Sprintf("shop filter: %v", err),
				})
				continue
			}
			if !want {
				sr.Results = append(sr.Results, TaskResult{Task: t.Name(), Skipped: true, Message: "not due for shop"})
				continue
			}
		}
		due = append(due, t)
	}
	if len(due) == 0 {
		return sr
	}

	sc, err := r.sessions.Acquire(ctx, shop)
	if err != nil {
		sr.Err = fmt.Sprintf("acquire context: %v", err)
		return sr
	}
	defer sc.Release()

	for _, t := range due {
		if ctx.Err() != nil {
			sr.Results = append(sr.Results, TaskResult{Task: t.Name(), Skipped: true, Message: "canceled"})
			continue
		}
		sr.Results = append(sr.Results, r.runTask(ctx, t, sc))
	}
	return sr
}

func (r *Runner) runTask(ctx context.Context, t RecurringTask, sc *session.Context) (res TaskResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = TaskResult{Task: t.Name(), Message: fmt.Sprintf("panic: %v", rec)}
			r.log.Error("task panicked",
				logx.String("task", t.Name()),
				logx.String("shop", sc.Shop.ClientID),
				logx.Any("panic", rec),
			)
		}
	}()
	return t.Run(ctx, sc)
}
