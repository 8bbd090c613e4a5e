package requestqueue

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"shopsync/internal/storage"
	logx "shopsync/pkg/logx"
)

func TestPolicyNormalized(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Policy
		want Policy
	}{
		{
			name: "negative delays clamped",
			in:   Policy{Mode: ModeFixed, FixedDelay: -time.Second, RandomMin: -1, RandomMax: -2},
			want: Policy{Mode: ModeFixed, FixedDelay: 0, RandomMin: 0, RandomMax: 0, MaxConcurrent: DefaultMaxConcurrent},
		},
		{
			name: "random max raised to min",
			in:   Policy{Mode: ModeRandom, RandomMin: 3 * time.Second, RandomMax: time.Second},
			want: Policy{Mode: ModeRandom, RandomMin: 3 * time.Second, RandomMax: 3 * time.Second, MaxConcurrent: DefaultMaxConcurrent},
		},
		{
			name: "unknown mode becomes fixed",
			in:   Policy{Mode: "chaotic", MaxConcurrent: 2},
			want: Policy{Mode: ModeFixed, MaxConcurrent: 2},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.normalized(); got != tt.want {
				t.Fatalf("normalized() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDispatchDelayBounds(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))

	if d := dispatchDelay(Policy{Enabled: false, Mode: ModeFixed, FixedDelay: time.Second}, rng); d != 0 {
		t.Fatalf("disabled policy delay = %v, want 0", d)
	}

	fixed := Policy{Enabled: true, Mode: ModeFixed, FixedDelay: 100 * time.Millisecond}
	for i := 0; i < 200; i++ {
		d := dispatchDelay(fixed, rng)
		if d < 79*time.Millisecond || d > 121*time.Millisecond {
			t.Fatalf("fixed delay %v outside +/- 20%% band", d)
		}
	}

	random := Policy{Enabled: true, Mode: ModeRandom, RandomMin: 50 * time.Millisecond, RandomMax: 150 * time.Millisecond}
	for i := 0; i < 200; i++ {
		d := dispatchDelay(random, rng)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("random delay %v outside [min, max]", d)
		}
	}
}

func TestStoreSourceFallbackAndOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	fallback := Policy{Enabled: true, Mode: ModeFixed, FixedDelay: time.Second, MaxConcurrent: 2}
	src := NewStoreSource(store, fallback, logx.Nop())

	if got := src.Policy(ctx); got.FixedDelay != time.Second || got.MaxConcurrent != 2 {
		t.Fatalf("missing key should yield fallback, got %+v", got)
	}

	override := []byte(`{"enabled":true,"mode":"random","random_min_ms":200,"random_max_ms":800}`)
	if err := store.Put(ctx, PolicyKey, override); err != nil {
		t.Fatalf("put: %v", err)
	}

	// The previous read is cached; a fresh source sees the override.
	fresh := NewStoreSource(store, fallback, logx.Nop())
	got := fresh.Policy(ctx)
	if got.Mode != ModeRandom || got.RandomMin != 200*time.Millisecond || got.RandomMax != 800*time.Millisecond {
		t.Fatalf("override not applied, got %+v", got)
	}
	if got.MaxConcurrent != 2 {
		t.Fatalf("MaxConcurrent should come from fallback, got %d", got.MaxConcurrent)
	}
}

func TestStoreSourceMalformedFallsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.Put(ctx, PolicyKey, []byte("{not json")); err != nil {
		t.Fatalf("put: %v", err)
	}
	fallback := Policy{Enabled: true, Mode: ModeFixed, FixedDelay: 250 * time.Millisecond}
	src := NewStoreSource(store, fallback, logx.Nop())
	if got := src.Policy(ctx); got.FixedDelay != 250*time.Millisecond {
		t.Fatalf("malformed override should fall back, got %+v", got)
	}
}
