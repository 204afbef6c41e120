// Package server exposes the consultation core over a local HTTP API.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/beast-health/consultd/internal/consult"
	"github.com/beast-health/consultd/internal/server/sse"
	"github.com/beast-health/consultd/pkg/models"
)

// Service wires the consultation manager to the HTTP surface.
type Service struct {
	version     string
	manager     *consult.Manager
	broadcaster *sse.Broadcaster
	router      chi.Router
	startTime   time.Time
	ready       atomic.Bool
}

// New creates the service and hooks the manager's change feed into the
// SSE broadcaster.
func New(version string, manager *consult.Manager) *Service {
	svc := &Service{
		version:     version,
		manager:     manager,
		broadcaster: sse.NewBroadcaster(),
		router:      chi.NewRouter(),
		startTime:   time.Now(),
	}

	manager.SetOnChange(func(snap *models.Session) {
		svc.broadcaster.Broadcast(sessionEvent{
			Type:    "session",
			Session: snap,
			Busy:    manager.IsBusy(snap.ID),
		})
	})

	svc.setupRoutes()
	svc.ready.Store(true)
	return svc
}

// Router returns the HTTP handler for the service.
func (s *Service) Router() http.Handler {
	return s.router
}

// Run serves HTTP on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Service) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleVersion)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/active", s.handleActiveSession)
		r.Post("/sessions/{id}/select", s.handleSelectSession)

		r.Post("/consult/start", s.handleStart)
		r.Post("/consult/answer", s.handleAnswer)
		r.Post("/consult/reset", s.handleReset)

		r.Get("/events", s.broadcaster.HandleSSE)
	})
}

// sessionEvent is the payload pushed over SSE whenever a session commits.
type sessionEvent struct {
	Type    string          `json:"type"`
	Session *models.Session `json:"session"`
	Busy    bool            `json:"busy"`
}

// sessionView is how a single session is rendered in HTTP responses.
type sessionView struct {
	Session *models.Session `json:"session"`
	Busy    bool            `json:"busy"`
}

func (s *Service) view(sess *models.Session) sessionView {
	return sessionView{Session: sess, Busy: s.manager.IsBusy(sess.ID)}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.view(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":        views,
		"activeSessionId": s.manager.ActiveID(),
	})
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.manager.NewSession(r.Context())
	writeJSON(w, http.StatusCreated, s.view(sess))
}

func (s *Service) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	sess := s.manager.Active()
	if sess == nil {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Service) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.SelectSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(s.manager.Active()))
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symptom string `json:"symptom"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Symptom) == "" {
		writeError(w, http.StatusBadRequest, "symptom is required")
		return
	}

	if err := s.manager.StartConsultation(r.Context(), req.Symptom); err != nil {
		switch {
		case errors.Is(err, consult.ErrBusy):
			writeError(w, http.StatusConflict, "session is busy")
		case errors.Is(err, models.ErrNotIdle):
			writeError(w, http.StatusConflict, "consultation already in progress")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, s.view(s.manager.Active()))
}

func (s *Service) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Answer) == "" {
		writeError(w, http.StatusBadRequest, "answer is required")
		return
	}

	if err := s.manager.SubmitAnswer(r.Context(), req.Answer); err != nil {
		switch {
		case errors.Is(err, consult.ErrBusy):
			writeError(w, http.StatusConflict, "session is busy")
		case errors.Is(err, models.ErrNotQuestioning),
			errors.Is(err, models.ErrNoQuestion),
			errors.Is(err, models.ErrQuestionCap):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, s.view(s.manager.Active()))
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	sess := s.manager.Reset(r.Context())
	writeJSON(w, http.StatusOK, s.view(sess))
}

// decodeBody decodes a JSON request body, writing a 400 on failure. An
// empty body decodes as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
