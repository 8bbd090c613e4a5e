package tasks

import (
	"context"
	"strconv"
	"time"

	"shopsync/internal/storage"
)

// Completion markers live in the kv store so windows survive restarts.
const (
	crosspostMarkerKey  = "task.crosspost.lastday"
	priceSyncMarkerKey  = "task.pricesync.lastrun"
	stockAuditMarkerKey = "task.stockaudit.lastrun"
)

// Resetter clears a task's completion marker (operator hook). All three
// tasks implement it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// lastDay reads a day marker ("2006-01-02"); empty string when unset.
func lastDay(ctx context.Context, store storage.Store, key string) (string, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	return string(raw), nil
}

func setDay(ctx context.Context, store storage.Store, key, day string) error {
	return store.Put(ctx, key, []byte(day))
}

// lastRun reads an epoch-millis marker; zero time when unset or malformed
// (a malformed marker just means the task is due again).
func lastRun(ctx context.Context, store storage.Store, key string) (time.Time, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

func setLastRun(ctx context.Context, store storage.Store, key string, at time.Time) error {
	return store.Put(ctx, key, []byte(strconv.FormatInt(at.UnixMilli(), 10)))
}
