package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/wesm/sessiontrack/internal/analytics"
	"github.com/wesm/sessiontrack/internal/auth"
	"github.com/wesm/sessiontrack/internal/config"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP server that serves the tracking API.
type Server struct {
	mu      gosync.RWMutex
	cfg     config.Config
	svc     *tracking.Service
	engine  *analytics.Engine
	auth    *auth.Authenticator
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo
	clock   tracking.Clock

	// handlerDelay is injected before each timeout-wrapped
	// handler, used only by tests to guarantee handlers
	// exceed a short timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server backed by store.
func New(
	cfg config.Config, store tracking.Store, opts ...Option,
) *Server {
	s := &Server{
		cfg:   cfg,
		mux:   http.NewServeMux(),
		clock: tracking.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.svc = tracking.NewService(store,
		tracking.WithClock(s.clock),
		tracking.WithStoreTimeout(cfg.StoreTimeout),
	)
	s.engine = analytics.New(store,
		analytics.WithNow(s.clock.Now),
		analytics.WithStoreTimeout(cfg.StoreTimeout),
	)
	s.auth = auth.New(cfg.JWTSecret,
		auth.WithAllowUnverified(cfg.AllowUnverifiedTokens),
		auth.WithNow(s.clock.Now),
	)
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithClock overrides the clock shared by recording, analytics
// and token expiry checks. Nil is ignored.
func WithClock(c tracking.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/health", s.handleHealth)
	s.mux.Handle("POST /api/auth/health", s.withTimeout(s.handleAuthHealth))
	s.mux.Handle("POST /api/auth/validate-token", s.withTimeout(s.requireAuth(s.handleValidateToken)))
	s.mux.Handle("POST /api/auth/token-info", s.withTimeout(s.requireAuth(s.handleTokenInfo)))

	s.mux.Handle("POST /api/sessions/start", s.withTimeout(s.requireAuth(s.handleStartSession)))
	s.mux.Handle("POST /api/sessions/pause", s.withTimeout(s.requireAuth(s.handlePauseSession)))
	s.mux.Handle("POST /api/sessions/resume", s.withTimeout(s.requireAuth(s.handleResumeSession)))
	s.mux.Handle("POST /api/sessions/end", s.withTimeout(s.requireAuth(s.handleEndSession)))

	s.mux.Handle("POST /api/sessions/heatmap", s.withTimeout(s.requireAuth(s.handleHeatmap)))
	s.mux.Handle("POST /api/sessions/most-active", s.withTimeout(s.requireAuth(s.handleMostActive)))
	s.mux.Handle("POST /api/sessions/stats", s.withTimeout(s.requireAuth(s.handleSessionStats)))
	s.mux.Handle("POST /api/sessions/summary", s.withTimeout(s.requireAuth(s.handleSummary)))
	s.mux.Handle("POST /api/sessions/timeline", s.withTimeout(s.requireAuth(s.handleTimeline)))
	s.mux.Handle("POST /api/sessions/daily-time-spent", s.withTimeout(s.requireAuth(s.handleDailyTimeSpent)))
	s.mux.Handle("POST /api/sessions/time-by-page", s.withTimeout(s.requireAuth(s.handleTimeByPage)))
	s.mux.Handle("POST /api/sessions/session-timeline-detail", s.withTimeout(s.requireAuth(s.handleTimelineDetail)))
	s.mux.Handle("POST /api/sessions/public-summary", s.withTimeout(s.handlePublicSummary))
	s.mux.Handle("POST /api/sessions/public-timeline", s.withTimeout(s.handlePublicTimeline))

	s.mux.Handle("POST /api/pages/track", s.withTimeout(s.handleTrackPage))
	s.mux.Handle("POST /api/pages/stats", s.withTimeout(s.requireAuth(s.handlePageStats)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "sessiontrack",
		"version": s.version.Version,
	})
}

// SetPort updates the listen port (for testing).
func (s *Server) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Port = port
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.cfg.CORSOrigins, logMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("Starting server at http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

// corsMiddleware answers preflight requests and sets CORS headers
// on API responses. An empty allow-list permits any origin.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			origin := r.Header.Get("Origin")
			switch {
			case len(origins) == 0:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set(
				"Access-Control-Allow-Methods",
				"GET, POST, OPTIONS",
			)
			w.Header().Set(
				"Access-Control-Allow-Headers",
				"Content-Type, Authorization",
			)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Printf("%s %s", r.Method, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}
