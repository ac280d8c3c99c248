// Package server exposes session control over HTTP: start, stop, progress,
// and the persisted session history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"pipescope/internal/config"
	"pipescope/internal/pipeline"
	"pipescope/internal/store"
)

// Server wraps the HTTP control surface around one orchestrator.
type Server struct {
	orch *pipeline.Orchestrator
	opts *config.Options
	hist *store.Store
	log  *logrus.Logger
	http *http.Server
}

// New builds the server with its routes. The history store may be nil.
func New(orch *pipeline.Orchestrator, opts *config.Options, hist *store.Store, log *logrus.Logger) *Server {
	s := &Server{orch: orch, opts: opts, hist: hist, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/api/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/session/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/session/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/session/progress", s.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", s.handleSessions).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.http.Addr).Info("control server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener and any running session.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.orch.Stop(); err != nil && !errors.Is(err, pipeline.ErrStopTimeout) {
		s.log.WithError(err).Warn("session stop during shutdown")
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStart accepts an optional JSON body of option overrides. The server's
// base configuration is used as the starting point; the merged result is
// validated before the session launches.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	opts := *s.opts
	if r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if err := s.orch.Configure(&opts); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	if err := s.orch.Start(context.Background()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusAccepted, s.orch.GetProgress())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.orch.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.GetProgress())
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.GetProgress())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, errors.New("session history disabled"))
		return
	}
	sessions, err := s.hist.ListSessions(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
