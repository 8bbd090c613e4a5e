package notify

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "shopsync/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service implements an async notification pipeline:
// queue + worker + rate limit + retry.
//
// It is safe for concurrent use. Notify never blocks on the network.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	sink Sink

	cfg     Config
	limiter *rate.Limiter

	queue chan Notification

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, sink Sink, log logx.Logger) *Service {
	s := &Service{sink: sink, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) applyLocked(cfg Config) {
	// Defaults
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sink == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	q := s.queue
	s.mu.Unlock()

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in notifier worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		for {
			select {
			case <-runCtx.Done():
				return
			case n := <-q:
				s.sendWithRetry(runCtx, n)
			}
		}
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.queue = nil
	s.runCtx = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	q := s.queue
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}

	select {
	case q <- n:
		return nil
	default:
		s.log.Warn("notification dropped (queue full)", logx.String("title", n.Title))
		return ErrQueueFull
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, n Notification) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sink := s.sink
	s.mu.Unlock()

	if sink == nil {
		return
	}

	text := render(n)
	if text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		// Bound per-send call. Keep tight to avoid hanging the worker.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := sink.Send(callCtx, text)
		cancel()
		if err == nil {
			return
		}
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			s.log.Warn("notification gave up", logx.String("title", n.Title), logx.Err(err))
			return
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}
}

func render(n Notification) string {
	var b strings.Builder
	switch {
	case n.Priority >= 9:
		b.WriteString("🚨 ")
	case n.Priority >= 7:
		b.WriteString("⚠️ ")
	}
	if n.Title != "" {
		b.WriteString(n.Title)
		if n.Text != "" {
			b.WriteString("\n")
		}
	}
	b.WriteString(n.Text)
	return strings.TrimSpace(b.String())
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
