// Package api exposes the gateway's HTTP surface: health, metrics,
// login and the browser WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voxbridge/voxbridge/internal/api/middleware"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/gateway"
	"github.com/voxbridge/voxbridge/internal/registry"
	"github.com/voxbridge/voxbridge/internal/store"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router       *chi.Mux
	cfg          *config.Config
	store        *store.Store
	registry     *registry.Registry
	gateway      *gateway.Gateway
	metrics      http.Handler
	jwtSecret    []byte
	loginLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. metrics
// may be nil to leave /metrics unmounted.
func NewServer(cfg *config.Config, st *store.Store, reg *registry.Registry, gw *gateway.Gateway, metrics http.Handler) (*Server, error) {
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:       chi.NewRouter(),
		cfg:          cfg,
		store:        st,
		registry:     reg,
		gateway:      gw,
		metrics:      metrics,
		jwtSecret:    secret,
		loginLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware goroutines.
func (s *Server) Close() {
	s.loginLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.With(middleware.RateLimit(s.loginLimiter)).Post("/api/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(s.jwtSecret))
		r.Get("/api/sessions", s.handleSessions)
		r.Get("/api/calls", s.handleCalls)
		r.Get("/ws", s.handleWS)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.store.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, store.ErrBadCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtSecret, user.ID, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Username:  user.Username,
	})
}

// sessionSummary is the public view of a live session. The client secret
// never leaves the process.
type sessionSummary struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id"`
	CallID       string    `json:"call_id"`
	Caller       string    `json:"caller"`
	Called       string    `json:"called"`
	WorkflowSlug string    `json:"workflow_slug"`
	StartedAt    time.Time `json:"started_at"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	handles := s.registry.List()
	sessions := make([]sessionSummary, 0, len(handles))
	for _, h := range handles {
		sessions = append(sessions, sessionSummary{
			ID:           h.ID,
			ThreadID:     h.ThreadID,
			CallID:       h.CallID,
			Caller:       h.Caller,
			Called:       h.Called,
			WorkflowSlug: h.WorkflowSlug,
			StartedAt:    h.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.RecentCallRecords(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing calls failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	s.gateway.ServeWS(w, r, userID)
}
