// Package server provides the HTTP server of the face enrollment service.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/faceenroll/internal/gate"
	"github.com/ayusman/faceenroll/internal/logging"
	"github.com/ayusman/faceenroll/internal/server/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// shutdownTimeout bounds how long Serve waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

// Config holds the server configuration.
type Config struct {
	StaticDir string

	// Frames and Finalizer are usually the same *enroll.Manager.
	Frames    api.FrameProcessor
	Finalizer api.Finalizer
	Users     gate.EnrollmentStore

	Limiter      *api.SessionLimiter
	FrameTimeout time.Duration

	Log logrus.FieldLogger
}

// Server represents the HTTP server of the enrollment service.
type Server struct {
	config  Config
	mux     *http.ServeMux
	handler http.Handler
	log     logrus.FieldLogger
	start   time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		log:    logging.OrDiscard(config.Log),
		start:  time.Now(),
	}
	s.setupRoutes()
	s.handler = withRecover(s.log, withAccessLog(s.log, withRequestID(s.mux)))
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Frames != nil {
		face := api.NewFaceHandler(s.config.Frames, s.config.Limiter, s.config.FrameTimeout, s.log)
		s.mux.Handle("/api/face_processing", face)
		s.mux.Handle("/api/face_processing/", face)
		s.mux.Handle("/ws/enroll", NewEnrollSocket(face, s.log))
	}

	if s.config.Finalizer != nil {
		save := api.NewSaveUserHandler(s.config.Finalizer, nil, s.log)
		s.mux.Handle("/api/save_user", save)
		s.mux.Handle("/api/save_user/", save)
	}

	if s.config.Users != nil {
		users := api.NewUserHandler(s.config.Users)
		s.mux.Handle("/api/users", users)
		s.mux.Handle("/api/users/", users)
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.log.Info("Shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
