package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shopsync/internal/config"
	"shopsync/internal/notify"
	"shopsync/internal/requestqueue"
	"shopsync/internal/session"
	"shopsync/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg.Notify == nil {
		return notify.Config{}, nil
	}
	base, err := config.ParseDurationField("notify.retry_base", cfg.Notify.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:       cfg.Notify.Enabled,
		QueueSize:     cfg.Notify.QueueSize,
		RatePerSec:    cfg.Notify.RatePerSec,
		RetryMax:      cfg.Notify.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapRateLimitPolicy(cfg *config.Config) (requestqueue.Policy, error) {
	rl := cfg.RateLimit
	fixed, err := config.ParseDurationField("ratelimit.fixed_delay", rl.FixedDelay)
	if err != nil {
		return requestqueue.Policy{}, err
	}
	rmin, err := config.ParseDurationField("ratelimit.random_min", rl.RandomMin)
	if err != nil {
		return requestqueue.Policy{}, err
	}
	rmax, err := config.ParseDurationField("ratelimit.random_max", rl.RandomMax)
	if err != nil {
		return requestqueue.Policy{}, err
	}
	mode := requestqueue.Mode(strings.ToLower(strings.TrimSpace(rl.Mode)))
	switch mode {
	case "", requestqueue.ModeFixed, requestqueue.ModeRandom:
	default:
		return requestqueue.Policy{}, fmt.Errorf("ratelimit.mode: unknown mode %q", rl.Mode)
	}
	return requestqueue.Policy{
		Enabled:       rl.Enabled,
		Mode:          mode,
		FixedDelay:    fixed,
		RandomMin:     rmin,
		RandomMax:     rmax,
		MaxConcurrent: rl.MaxConcurrent,
	}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	settle, err := config.ParseDurationOrDefault("session.settle_delay", cfg.Session.SettleDelay, 2*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	ready, err := config.ParseDurationOrDefault("session.ready_timeout", cfg.Session.ReadyTimeout, 30*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{SettleDelay: settle, ReadyTimeout: ready}, nil
}

func parseNotBefore(path, raw string, defHour, defMinute int) (int, int, error) {
	if strings.TrimSpace(raw) == "" {
		return defHour, defMinute, nil
	}
	h, m, err := config.ParseHHMM(raw)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", path, err)
	}
	return h, m, nil
}

// validateConfig gates hot reloads: a config that would fail at build time
// must not replace the running one.
func validateConfig(ctx context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRateLimitPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapSessionConfig(cfg); err != nil {
		return err
	}
	if tz := cfg.Scheduler.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if _, err := config.ParseDurationField("scheduler.interval", cfg.Scheduler.Interval); err != nil {
		return err
	}
	if _, _, err := parseNotBefore("tasks.crosspost.not_before", cfg.Tasks.Crosspost.NotBefore, 6, 10); err != nil {
		return err
	}
	if _, _, err := parseNotBefore("tasks.stockaudit.not_before", cfg.Tasks.StockAudit.NotBefore, 5, 0); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	return nil
}
