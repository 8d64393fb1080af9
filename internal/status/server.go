// Package status serves a small HTTP surface for watching a running capture session.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/recognition"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Camera is what the server reads from the capture service.
type Camera interface {
	Status() camera.Status
	LatestFrame() (types.Frame, bool)
}

// Engine is what the server reads from and controls on the recognition engine.
type Engine interface {
	Stats() recognition.Stats
	Reload(ctx context.Context) error
	Enable()
	Disable()
	Enabled() bool
	Unregister(id int64)
}

// Recorder reports match persistence counters. Optional.
type Recorder interface {
	Stats() pipeline.Stats
}

// Roster deactivates identities in the durable store. Optional; without it the
// removal route is not mounted.
type Roster interface {
	SoftDelete(ctx context.Context, id int64) error
}

// Server exposes camera and engine state over HTTP.
type Server struct {
	cam    Camera
	engine Engine
	rec    Recorder
	roster Roster
	log    *slog.Logger

	router     *chi.Mux
	httpServer *http.Server
}

// NewServer wires the routes. rec and roster may be nil.
func NewServer(addr string, cam Camera, engine Engine, rec Recorder, roster Roster, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	s := &Server{cam: cam, engine: engine, rec: rec, roster: roster, log: log, router: r}
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Get("/frame.jpg", s.handleFrame)
	r.Post("/reload", s.handleReload)
	r.Post("/recognition/pause", s.handlePause)
	r.Post("/recognition/resume", s.handleResume)
	if roster != nil {
		r.Delete("/identities/{id}", s.handleRemoveIdentity)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux { return s.router }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.Info("status: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.cam.Status()
	if st.State == camera.StateFaulted {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "faulted"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "camera": st.State.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cam.Status())
}

type statsResponse struct {
	Recognition recognition.Stats `json:"recognition"`
	Enabled     bool              `json:"recognition_enabled"`
	Recorder    *pipeline.Stats   `json:"recorder,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Recognition: s.engine.Stats(), Enabled: s.engine.Enabled()}
	if s.rec != nil {
		rs := s.rec.Stats()
		resp.Recorder = &rs
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	f, ok := s.cam.LatestFrame()
	if !ok {
		respondError(w, http.StatusNotFound, "no frame captured yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := imaging.Encode(w, f.ToNRGBA(), imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		s.log.Warn("status: frame encode failed", "error", err)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reload(r.Context()); err != nil {
		s.log.Error("status: reload failed", "error", err)
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Disable()
	respondJSON(w, http.StatusOK, map[string]bool{"recognition_enabled": false})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Enable()
	respondJSON(w, http.StatusOK, map[string]bool{"recognition_enabled": true})
}

// handleRemoveIdentity deactivates an identity and drops it from the live cache
// while capture keeps running.
func (s *Server) handleRemoveIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid identity id")
		return
	}
	if err := s.roster.SoftDelete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("status: identity removal failed", "identity_id", id, "error", err)
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.engine.Unregister(id)
	s.log.Info("status: identity removed", "identity_id", id)
	respondJSON(w, http.StatusOK, map[string]int64{"removed": id})
}
