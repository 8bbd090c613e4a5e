package requestqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"shopsync/internal/upstream"
	logx "shopsync/pkg/logx"
)

// DefaultMaxConcurrent bounds in-flight dispatched requests.
const DefaultMaxConcurrent = 4

// defaultRetryBase is the first 429 backoff delay; doubles per attempt.
const defaultRetryBase = time.Second

var ErrQueueClosed = errors.New("request queue closed")

// Func is one unit of outbound work. It must honor ctx.
type Func func(ctx context.Context) error

// Gate is consulted immediately before each dispatch. A non-nil error fails
// the item fast without sending anything (antibot breaker preflight).
type Gate interface {
	Preflight() error
}

type item struct {
	ctx  context.Context
	fn   Func
	done chan error
}

func (it *item) settle(err error) {
	select {
	case it.done <- err:
	default:
	}
}

// Queue serializes outbound requests to the marketplace.
//
// Semantics:
//   - FIFO dispatch order by enqueue time, across all callers.
//   - At most MaxConcurrent requests in flight at once.
//   - A minimum dispatch-to-dispatch gap per the current Policy; the gap is
//     measured at dispatch, not completion, so slow responses don't stall
//     throughput below the configured cadence.
//   - One item's failure never affects other items or the drain loop.
//
// The queue must be started before use and survives until Stop.
type Queue struct {
	log      logx.Logger
	gate     Gate
	policies PolicySource

	retryBase time.Duration

	mu      sync.Mutex
	pending []*item
	closed  bool
	started bool

	wake chan struct{}
	sem  chan struct{}

	runCancel context.CancelFunc
	doneCh    chan struct{}
}

type Option func(*Queue)

// WithRetryBase overrides the 429 backoff base (tests).
func WithRetryBase(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retryBase = d
		}
	}
}

func New(policies PolicySource, gate Gate, log logx.Logger, opts ...Option) *Queue {
	if policies == nil {
		policies = StaticSource(Policy{})
	}
	q := &Queue{
		log:       log,
		gate:      gate,
		policies:  policies,
		retryBase: defaultRetryBase,
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.closed = false

	maxConc := q.policies.Policy(ctx).normalized().MaxConcurrent
	q.sem = make(chan struct{}, maxConc)

	runCtx, cancel := context.WithCancel(ctx)
	q.runCancel = cancel
	q.doneCh = make(chan struct{})
	done := q.doneCh
	q.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("panic in queue drain", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		q.drain(runCtx)
	}()

	q.log.Debug("request queue started", logx.Int("max_concurrent", maxConc))
}

// Stop fails all pending items with ErrQueueClosed and ends the drain loop.
// In-flight requests are canceled via their run context.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.closed = true
	cancel := q.runCancel
	q.runCancel = nil
	done := q.doneCh
	rest := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, it := range rest {
		it.settle(ErrQueueClosed)
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	q.log.Debug("request queue stopped")
}

// Len reports the number of pending (not yet dispatched) items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Execute enqueues fn and waits for its outcome. The outcome settles exactly
// once; fn's own error propagates to this caller only.
func (q *Queue) Execute(ctx context.Context, fn Func) error {
	if fn == nil {
		return errors.New("nil func")
	}
	it := &item{ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed || !q.started {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		// The drain loop notices the dead ctx and discards the item.
		return ctx.Err()
	}
}

// ExecuteWithRetry behaves like Execute but retries throttled (429) outcomes
// with exponential backoff: base * 2^attempt, up to maxRetries+1 total
// attempts. Any other error returns immediately.
func (q *Queue) ExecuteWithRetry(ctx context.Context, fn Func, maxRetries int) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = q.Execute(ctx, fn)
		if err == nil || !errors.Is(err, upstream.ErrThrottled) {
			return err
		}
		if attempt >= maxRetries {
			break
		}
		delay := q.retryBase << uint(attempt)
		q.log.Debug("throttled; backing off",
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
		)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("retries exhausted: %w", err)
}

func (q *Queue) next(ctx context.Context) *item {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			it := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return it
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastDispatch time.Time

	for {
		it := q.next(ctx)
		if it == nil {
			return
		}

		// Caller gone while queued: discard without dispatching.
		if err := it.ctx.Err(); err != nil {
			it.settle(err)
			continue
		}

		// Breaker preflight: fail fast, no cadence cost.
		if q.gate != nil {
			if err := q.gate.Preflight(); err != nil {
				it.settle(err)
				continue
			}
		}

		pol := q.policies.Policy(it.ctx).normalized()
		if delay := dispatchDelay(pol, rng); delay > 0 {
			if wait := delay - time.Since(lastDispatch); wait > 0 && !lastDispatch.IsZero() {
				t := time.NewTimer(wait)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					it.settle(ErrQueueClosed)
					return
				}
			}
		}

		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			it.settle(ErrQueueClosed)
			return
		}

		lastDispatch = time.Now()
		go func(it *item) {
			defer func() {
				if r := recover(); r != nil {
					q.log.Error("panic in queued request", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					it.settle(fmt.Errorf("panic: %v", r))
				}
				<-q.sem
			}()
			it.settle(it.fn(it.ctx))
		}(it)
	}
}
