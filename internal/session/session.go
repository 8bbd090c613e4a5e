package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shopsync/internal/backend"
	logx "shopsync/pkg/logx"
)

var (
	// ErrBusy means a context is already acquired. The scheduler processes
	// tenants strictly sequentially, so hitting this is a programming error.
	ErrBusy = errors.New("session context already acquired")

	// ErrNotReady means the execution context never became usable within the
	// readiness bound. Treated as a per-task failure by the caller.
	ErrNotReady = errors.New("session context not ready")
)

// Switcher re-keys the active identity so subsequent marketplace requests
// act as the given tenant. Switching is the most expensive and failure-prone
// operation in the pipeline; the scheduler minimizes how often it happens.
type Switcher interface {
	Switch(ctx context.Context, clientID string) error
}

// Probe checks that the active identity/context is usable (e.g. the seller
// dashboard answers 2xx under the new cookie).
type Probe func(ctx context.Context) error

type Config struct {
	// SettleDelay after an identity swap before first use.
	SettleDelay time.Duration
	// ReadyTimeout bounds the readiness wait.
	ReadyTimeout time.Duration
	// ProbeInterval between readiness attempts.
	ProbeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 2 * time.Second
	}
	return c
}

// Manager owns the single shared execution context. Only one Context exists
// at a time; Acquire switches identity, waits for the context to settle and
// become ready, and hands out a handle whose Release is guaranteed by the
// caller (defer).
type Manager struct {
	cfg      Config
	switcher Switcher
	probe    Probe
	log      logx.Logger

	mu     sync.Mutex
	active *Context
}

func NewManager(cfg Config, switcher Switcher, probe Probe, log logx.Logger) *Manager {
	return &Manager{cfg: cfg.withDefaults(), switcher: switcher, probe: probe, log: log}
}

// Context is the acquired execution context for one tenant.
type Context struct {
	Shop backend.Shop

	mgr      *Manager
	released bool
}

// Acquire switches to the shop's identity and prepares the shared context.
func (m *Manager) Acquire(ctx context.Context, shop backend.Shop) (*Context, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	c := &Context{Shop: shop, mgr: m}
	m.active = c
	m.mu.Unlock()

	release := func() { m.release(c) }

	start := time.Now()
	if err := m.switcher.Switch(ctx, shop.ClientID); err != nil {
		release()
		return nil, fmt.Errorf("switch identity %s: %w", shop.ClientID, err)
	}

	// The upstream needs a moment after a cookie swap before the new
	// identity is consistently honored.
	if !sleepCtx(ctx, m.cfg.SettleDelay) {
		release()
		return nil, ctx.Err()
	}

	if m.probe != nil {
		if err := m.waitReady(ctx); err != nil {
			release()
			return nil, err
		}
	}

	m.log.Debug("session context acquired",
		logx.String("shop", shop.ClientID),
		logx.Duration("took", time.Since(start)),
	)
	return c, nil
}

func (m *Manager) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.ReadyTimeout)
	var lastErr error
	for {
		if err := m.probe(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s: %v", ErrNotReady, m.cfg.ReadyTimeout, lastErr)
		}
		if !sleepCtx(ctx, m.cfg.ProbeInterval) {
			return ctx.Err()
		}
	}
}

// Release frees the shared context. Safe to call more than once.
func (c *Context) Release() {
	if c == nil || c.mgr == nil {
		return
	}
	c.mgr.release(c)
}

func (m *Manager) release(c *Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if m.active == c {
		m.active = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
