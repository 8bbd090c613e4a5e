package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shopsync/internal/backend"
	logx "shopsync/pkg/logx"
)

type countSwitcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *countSwitcher) Switch(ctx context.Context, clientID string) error {
	s.mu.Lock()
	s.calls = append(s.calls, clientID)
	s.mu.Unlock()
	return s.err
}

func fastConfig() Config {
	return Config{
		SettleDelay:   time.Millisecond,
		ReadyTimeout:  20 * time.Millisecond,
		ProbeInterval: time.Millisecond,
	}
}

func TestAcquireSwitchesAndReleases(t *testing.T) {
	t.Parallel()
	sw := &countSwitcher{}
	m := NewManager(fastConfig(), sw, nil, logx.Nop())

	sc, err := m.Acquire(context.Background(), backend.Shop{ClientID: "s1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if sc.Shop.ClientID != "s1" {
		t.Fatalf("shop = %s, want s1", sc.Shop.ClientID)
	}

	// Only one context at a time.
	if _, err := m.Acquire(context.Background(), backend.Shop{ClientID: "s2"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second acquire = %v, want ErrBusy", err)
	}

	sc.Release()
	sc.Release() // idempotent

	if _, err := m.Acquire(context.Background(), backend.Shop{ClientID: "s2"}); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquireSwitchFailureFreesSlot(t *testing.T) {
	t.Parallel()
	sw := &countSwitcher{err: errors.New("vault down")}
	m := NewManager(fastConfig(), sw, nil, logx.Nop())

	if _, err := m.Acquire(context.Background(), backend.Shop{ClientID: "s1"}); err == nil {
		t.Fatal("expected switch failure")
	}

	// The failed acquire must not leave the manager busy.
	sw.err = nil
	sc, err := m.Acquire(context.Background(), backend.Shop{ClientID: "s1"})
	if err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	sc.Release()
}

func TestAcquireWaitsForReadiness(t *testing.T) {
	t.Parallel()
	var attempts int32
	var mu sync.Mutex
	probe := func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}
	m := NewManager(fastConfig(), &countSwitcher{}, probe, logx.Nop())

	sc, err := m.Acquire(context.Background(), backend.Shop{ClientID: "s1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer sc.Release()

	mu.Lock()
	defer mu.Unlock()
	if attempts < 3 {
		t.Fatalf("probe attempts = %d, want >= 3", attempts)
	}
}

func TestAcquireReadyTimeout(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context) error { return errors.New("dead") }
	m := NewManager(fastConfig(), &countSwitcher{}, probe, logx.Nop())

	_, err := m.Acquire(context.Background(), backend.Shop{ClientID: "s1"})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("acquire = %v, want ErrNotReady", err)
	}

	// Timeout must free the slot too.
	m.probe = nil
	sc, err := m.Acquire(context.Background(), backend.Shop{ClientID: "sx"})
	if err != nil {
		t.Fatalf("acquire after timeout: %v", err)
	}
	sc.Release()
}

func TestCookieSwitcher(t *testing.T) {
	t.Parallel()
	tokens := tokenFunc(func(ctx context.Context, id string) (string, error) {
		return "tok-" + id, nil
	})
	rec := &cookieRecorder{}
	sw := &CookieSwitcher{Cookies: rec, Tokens: tokens}

	if err := sw.Switch(context.Background(), "s9"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if rec.name != "seller_session" || rec.value != "tok-s9" {
		t.Fatalf("cookie = %s=%s, want seller_session=tok-s9", rec.name, rec.value)
	}
}

type tokenFunc func(ctx context.Context, clientID string) (string, error)

func (f tokenFunc) SessionToken(ctx context.Context, clientID string) (string, error) {
	return f(ctx, clientID)
}

type cookieRecorder struct{ name, value string }

func (c *cookieRecorder) SetCookie(name, value string) { c.name, c.value = name, value }
