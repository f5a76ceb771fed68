package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ServerConfig holds what NewServer needs besides the handler.
type ServerConfig struct {
	Addr       string
	CronSecret string
	// SchedulerHeader admits scheduler calls that carry it set to
	// SchedulerHeaderValue. Both must be set for the header to count.
	SchedulerHeader      string
	SchedulerHeaderValue string
	// LookupUser returns the bcrypt hash for an admin username.
	LookupUser func(username string) (string, error)
	// AdminLimiter throttles admin endpoints per IP. Nil uses 10 requests
	// per minute with a burst of 10.
	AdminLimiter *RateLimiter
}

// Server wraps an HTTP server with graceful shutdown capabilities
type Server struct {
	httpServer *http.Server
	handler    *Handler
	logger     *slog.Logger
}

// NewServer creates a new Server instance.
func NewServer(cfg ServerConfig, handler *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.AdminLimiter
	if limiter == nil {
		limiter = NewRateLimiter(10, 6*time.Second)
	}

	cron := CronAuthMiddleware(cfg.CronSecret, cfg.SchedulerHeader, cfg.SchedulerHeaderValue)
	admin := func(h http.HandlerFunc) http.Handler {
		return RateLimitMiddleware(limiter, logger)(AdminAuthMiddleware(cfg.LookupUser)(h))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handler.Health)

	// Sync control
	mux.Handle("POST /api/sync", cron(http.HandlerFunc(handler.Sync)))
	mux.Handle("POST /api/sync/backfill", admin(handler.Backfill))
	mux.Handle("POST /api/sync/backfill/history", admin(handler.HistoricalBackfill))
	mux.HandleFunc("GET /api/sync/status", handler.SyncStatus)
	mux.Handle("POST /api/admin/reset", admin(handler.Reset))

	// Read API
	mux.HandleFunc("GET /api/stats/users", handler.UsersStats)
	mux.HandleFunc("GET /api/stats/users/{email}", handler.UserStats)
	mux.HandleFunc("GET /api/stats/team", handler.TeamStats)
	mux.HandleFunc("GET /api/achievements", handler.Achievements)
	mux.HandleFunc("GET /api/leaderboard", handler.Leaderboard)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handler: handler,
		logger:  logger,
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and waits for background jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.handler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background jobs still running at shutdown")
	}
	return err
}
