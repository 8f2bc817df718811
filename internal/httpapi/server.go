package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"dream_pipeline/internal/domain"
	"dream_pipeline/internal/service"
)

type Importer interface {
	Import(ctx context.Context, rawTitles []string) (*domain.ImportResult, error)
}

type Admin interface {
	GenerateNow(ctx context.Context, titleID string) (*service.GenerateNowResult, error)
	Requeue(ctx context.Context, titleID string, priority int) error
}

type Settings interface {
	Get(ctx context.Context) (*domain.Settings, error)
	Update(ctx context.Context, update domain.SettingsUpdate) (int, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Credentials struct {
	Username       string
	Password       string
	InternalSecret string
}

type Config struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SlowThreshold time.Duration
	Credentials   Credentials
}

// Server exposes the administrative surface: import, generate-now, requeue,
// settings, readiness and metrics.
type Server struct {
	importer Importer
	admin    Admin
	settings Settings
	db       Pinger
	metrics  http.Handler
	cfg      Config
	logger   *slog.Logger
}

func NewServer(cfg Config, importer Importer, admin Admin, settings Settings, db Pinger, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		importer: importer,
		admin:    admin,
		settings: settings,
		db:       db,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With("component", "http"),
	}
}

// Handler returns the routed, logged handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	protect := func(h http.HandlerFunc) http.Handler {
		return adminAuth(s.cfg.Credentials, h)
	}

	mux.Handle("POST /api/admin/import", protect(s.handleImport))
	mux.Handle("POST /api/admin/generate-now/{id}", protect(s.handleGenerateNow))
	mux.Handle("POST /api/admin/requeue/{id}", protect(s.handleRequeue))
	mux.Handle("GET /api/admin/settings", protect(s.handleGetSettings))
	mux.Handle("PUT /api/admin/settings", protect(s.handleUpdateSettings))
	mux.Handle("POST /api/admin/settings", protect(s.handleUpdateSettings))
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return requestLogger(s.logger, s.cfg.SlowThreshold, mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "address", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
