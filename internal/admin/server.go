package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hypewatch/internal/scheduler"
)

// TaskController is the scheduler surface exposed over HTTP.
type TaskController interface {
	Running() bool
	Snapshot() []scheduler.TaskStatus
	RunNow(ctx context.Context, name string) error
}

// Options configure the admin server.
type Options struct {
	Listen          string
	ShutdownTimeout time.Duration
	Version         string
}

// Server exposes health, metrics and task control.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	tasks      TaskController
	opts       Options
	logger     zerolog.Logger
}

// New builds the server and registers its routes.
func New(opts Options, tasks TaskController, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	router := mux.NewRouter()
	s := &Server{
		router: router,
		tasks:  tasks,
		opts:   opts,
		logger: logger.With().Str("component", "admin").Logger(),
		httpServer: &http.Server{
			Addr:              opts.Listen,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.routes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.recovery)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks", s.listTasks).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks/{name}/run", s.runTask).Methods(http.MethodPost)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	s.logger.Info().Msg("admin server stopped")
	return nil
}

type healthResponse struct {
	Status    string    `json:"status"`
	Scheduler bool      `json:"scheduler_running"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Scheduler: s.tasks.Running(),
		Version:   s.opts.Version,
		Timestamp: time.Now().UTC(),
	}
	code := http.StatusOK
	if !resp.Scheduler {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.tasks.Snapshot())
}

// runTask triggers one cycle in the background; the cycle outlives the request.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.knownTask(name) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown task %q", name))
		return
	}
	if !s.tasks.Running() {
		respondError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}
	if s.busy(name) {
		respondError(w, http.StatusConflict, "task cycle already running")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		err := s.tasks.RunNow(ctx, name)
		switch {
		case errors.Is(err, scheduler.ErrTaskBusy):
			s.logger.Info().Str("task", name).Msg("manual run skipped, cycle in flight")
		case errors.Is(err, scheduler.ErrNotRunning):
			s.logger.Info().Str("task", name).Msg("manual run skipped, scheduler stopped")
		case err != nil:
			s.logger.Warn().Err(err).Str("task", name).Msg("manual run failed")
		}
	}()

	s.logger.Info().Str("task", name).Msg("manual run requested")
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "task": name})
}

func (s *Server) knownTask(name string) bool {
	for _, st := range s.tasks.Snapshot() {
		if st.Name == name {
			return true
		}
	}
	return false
}

func (s *Server) busy(name string) bool {
	for _, st := range s.tasks.Snapshot() {
		if st.Name == name {
			return st.State == scheduler.StateExecuting.String()
		}
	}
	return false
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("admin handler panic")
				respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
