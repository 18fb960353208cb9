package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"arb-executor/internal/scheduler"
)

// Controller is the part of the scheduler the status surface needs.
type Controller interface {
	Status() scheduler.Status
	CancelTask(id string) error
	PauseTask(id string) error
	ResumeTask(id string) error
}

// Server exposes scheduler status over HTTP plus cancel/pause/resume
// requests. It never mutates task context itself.
type Server struct {
	httpServer *http.Server
	ctl        Controller
}

func NewServer(addr string, ctl Controller) *Server {
	s := &Server{ctl: ctl}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Route("/tasks/{id}", func(r chi.Router) {
		r.Get("/", s.handleTask)
		r.Post("/cancel", s.handleControl(Controller.CancelTask, "cancel"))
		r.Post("/pause", s.handleControl(Controller.PauseTask, "pause"))
		r.Post("/resume", s.handleControl(Controller.ResumeTask, "resume"))
	})
	return r
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	log.Printf("level=INFO event=status_api_listening addr=%s", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.Status()
	code := http.StatusOK
	state := "ok"
	if !st.Running {
		code = http.StatusServiceUnavailable
		state = "stopped"
	}
	writeJSON(w, code, map[string]any{"status": state, "active_tasks": st.ActiveTasks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ts, ok := s.ctl.Status().Tasks[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleControl(fn func(Controller, string) error, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(s.ctl, id); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, scheduler.ErrTaskNotFound) {
				code = http.StatusNotFound
			}
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		log.Printf("level=INFO event=task_control_requested task_id=%q action=%s remote=%s", id, action, r.RemoteAddr)
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "requested": action})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
