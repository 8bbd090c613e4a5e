package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "shopsync/pkg/logx"
)

// ErrAlreadyRunning is returned when a trigger fires while a previous
// invocation is still in flight. Overlapping runs are skipped, not queued.
var ErrAlreadyRunning = errors.New("scheduler invocation already running")

type ServiceConfig struct {
	Enabled bool
	// Interval between trigger ticks (0 means 15m). Tasks apply their own
	// windows on top, so a short interval is cheap when nothing is due.
	Interval time.Duration
	// Spec overrides Interval with a full cron expression when set.
	Spec string
	// HistorySize bounds the kept invocation reports (0 means 50).
	HistorySize int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

// Service owns the trigger loop around a Runner. One invocation at a time;
// ticks that land mid-invocation are dropped.
type Service struct {
	cfg    ServiceConfig
	runner *Runner
	log    logx.Logger

	cron    *cron.Cron
	busy    atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc

	hmu     sync.Mutex
	history []*Report
}

func NewService(cfg ServiceConfig, runner *Runner, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), runner: runner, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.cron = cron.New()
	spec := s.cfg.Spec
	if spec == "" {
		spec = "@every " + s.cfg.Interval.String()
	}
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.trigger(s.baseCtx, false); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.Error("scheduled invocation failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("scheduler started", logx.String("spec", spec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.cron != nil {
		stopped := s.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// RunNow triggers a forced invocation (operator hook). Returns
// ErrAlreadyRunning if one is in flight.
func (s *Service) RunNow(ctx context.Context) (*Report, error) {
	return s.trigger(ctx, true)
}

// Running reports whether an invocation is in flight.
func (s *Service) Running() bool { return s.busy.Load() }

// History returns recent invocation reports, newest first.
func (s *Service) History() []*Report {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]*Report, len(s.history))
	for i, r := range s.history {
		out[len(s.history)-1-i] = r
	}
	return out
}

func (s *Service) trigger(ctx context.Context, force bool) (*Report, error) {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Debug("invocation skipped, previous still running")
		return nil, ErrAlreadyRunning
	}
	defer s.busy.Store(false)

	rep := s.runner.RunOnce(ctx, force)
	s.record(rep)
	return rep, nil
}

func (s *Service) record(rep *Report) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, rep)
	if n := len(s.history) - s.cfg.HistorySize; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
}
