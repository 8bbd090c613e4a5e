package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shopsync/internal/antibot"
	"shopsync/internal/scheduler"
	"shopsync/internal/tasks"
	logx "shopsync/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // default "127.0.0.1:7077"
}

// Scheduler is the slice of scheduler.Service the admin surface needs.
type Scheduler interface {
	RunNow(ctx context.Context) (*scheduler.Report, error)
	Running() bool
	History() []*scheduler.Report
}

// Queue exposes backlog depth for /status.
type Queue interface {
	Len() int
}

// Server is the local ops surface: trigger a run, clear the antibot breaker,
// reset task markers, inspect state. It is meant to be bound to localhost;
// there is no auth.
type Server struct {
	cfg   Config
	sched Scheduler
	brk   *antibot.Breaker
	queue Queue
	reset map[string]tasks.Resetter
	log   logx.Logger

	srv *http.Server
}

func New(cfg Config, sched Scheduler, brk *antibot.Breaker, queue Queue, reset map[string]tasks.Resetter, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7077"
	}
	return &Server{cfg: cfg, sched: sched, brk: brk, queue: queue, reset: reset, log: log}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/run", s.handleRun)
	r.Post("/breaker/reset", s.handleBreakerReset)
	r.Post("/tasks/{name}/reset", s.handleTaskReset)
	return r
}

func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server failed", logx.Err(err))
		}
	}()
	s.log.Info("admin server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	_ = s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"running":       s.sched.Running(),
		"queue_pending": s.queue.Len(),
		"history":       s.sched.History(),
	}
	if inc, ok := s.brk.Incident(); ok {
		out["breaker"] = map[string]any{"tripped": true, "incident": inc}
	} else {
		out["breaker"] = map[string]any{"tripped": false}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sched.RunNow(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "invocation already running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	inc, had := s.brk.Incident()
	if err := s.brk.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := map[string]any{"cleared": had}
	if had {
		out["incident"] = inc
		s.log.Info("breaker cleared via admin", logx.String("incident_id", inc.IncidentID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rst, ok := s.reset[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task: "+name)
		return
	}
	if err := rst.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("task marker reset via admin", logx.String("task", name))
	writeJSON(w, http.StatusOK, map[string]any{"reset": name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
