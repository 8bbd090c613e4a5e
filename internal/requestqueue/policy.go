package requestqueue

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"shopsync/internal/storage"
	logx "shopsync/pkg/logx"
)

// PolicyKey is the store key holding the live throttle policy. Operators (or
// the backend) can rewrite it at runtime; the queue re-reads it with a short
// cache.
const PolicyKey = "ratelimit.config"

const policyCacheTTL = 10 * time.Second

type Mode string

const (
	ModeFixed  Mode = "fixed"
	ModeRandom Mode = "random"
)

// Policy is the desired outbound throttle.
//
// Invariants (enforced by normalized): RandomMin <= RandomMax, delays >= 0.
type Policy struct {
	Enabled       bool
	Mode          Mode
	FixedDelay    time.Duration
	RandomMin     time.Duration
	RandomMax     time.Duration
	MaxConcurrent int
}

func (p Policy) normalized() Policy {
	if p.FixedDelay < 0 {
		p.FixedDelay = 0
	}
	if p.RandomMin < 0 {
		p.RandomMin = 0
	}
	if p.RandomMax < p.RandomMin {
		p.RandomMax = p.RandomMin
	}
	if p.Mode != ModeFixed && p.Mode != ModeRandom {
		p.Mode = ModeFixed
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = DefaultMaxConcurrent
	}
	return p
}

// jitterFrac is the +/- band applied to fixed-mode delays so dispatch timing
// doesn't look machine-regular to the upstream.
const jitterFrac = 0.2

// dispatchDelay computes the minimum gap before the next dispatch.
func dispatchDelay(p Policy, rng *rand.Rand) time.Duration {
	if !p.Enabled {
		return 0
	}
	switch p.Mode {
	case ModeRandom:
		span := p.RandomMax - p.RandomMin
		if span <= 0 {
			return p.RandomMin
		}
		return p.RandomMin + time.Duration(rng.Int63n(int64(span)+1))
	default:
		d := p.FixedDelay
		if d <= 0 {
			return 0
		}
		j := 1 - jitterFrac + rng.Float64()*2*jitterFrac
		return time.Duration(float64(d) * j)
	}
}

// PolicySource yields the current throttle policy for each dispatch.
type PolicySource interface {
	Policy(ctx context.Context) Policy
}

// StaticSource always returns the same policy. Used in tests and as the
// fallback when no store override exists.
type StaticSource Policy

func (s StaticSource) Policy(context.Context) Policy { return Policy(s).normalized() }

// storedPolicy is the persisted override format (durations in milliseconds,
// matching what the backend writes).
type storedPolicy struct {
	Enabled      bool   `json:"enabled"`
	Mode         string `json:"mode"`
	FixedDelayMS int64  `json:"fixed_delay_ms"`
	RandomMinMS  int64  `json:"random_min_ms"`
	RandomMaxMS  int64  `json:"random_max_ms"`
}

// StoreSource reads the policy override from the key-value store, caching it
// briefly so the drain loop doesn't hit storage on every dispatch. When the
// key is absent or unreadable it falls back to the static default.
type StoreSource struct {
	store    storage.Store
	fallback Policy
	log      logx.Logger

	mu        sync.Mutex
	cached    Policy
	fetchedAt time.Time
}

func NewStoreSource(store storage.Store, fallback Policy, log logx.Logger) *StoreSource {
	return &StoreSource{store: store, fallback: fallback.normalized(), log: log}
}

// SetFallback replaces the static default (config hot reload) and drops the
// cached read so the next dispatch sees it.
func (s *StoreSource) SetFallback(p Policy) {
	s.mu.Lock()
	s.fallback = p.normalized()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}

func (s *StoreSource) Policy(ctx context.Context) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) < policyCacheTTL {
		return s.cached
	}

	s.cached = s.fetch(ctx)
	s.fetchedAt = time.Now()
	return s.cached
}

func (s *StoreSource) fetch(ctx context.Context) Policy {
	if s.store == nil {
		return s.fallback
	}
	b, ok, err := s.store.Get(ctx, PolicyKey)
	if err != nil {
		s.log.Warn("ratelimit policy read failed; using defaults", logx.Err(err))
		return s.fallback
	}
	if !ok {
		return s.fallback
	}
	var sp storedPolicy
	if err := json.Unmarshal(b, &sp); err != nil {
		s.log.Warn("ratelimit policy malformed; using defaults", logx.Err(err))
		return s.fallback
	}
	p := Policy{
		Enabled:       sp.Enabled,
		Mode:          Mode(strings.ToLower(strings.TrimSpace(sp.Mode))),
		FixedDelay:    time.Duration(sp.FixedDelayMS) * time.Millisecond,
		RandomMin:     time.Duration(sp.RandomMinMS) * time.Millisecond,
		RandomMax:     time.Duration(sp.RandomMaxMS) * time.Millisecond,
		MaxConcurrent: s.fallback.MaxConcurrent,
	}
	return p.normalized()
}
