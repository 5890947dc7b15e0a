package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/admission"
	"github.com/shizukutanaka/Komainu/internal/api/middleware"
	"github.com/shizukutanaka/Komainu/internal/audit"
	"github.com/shizukutanaka/Komainu/internal/cache"
	"github.com/shizukutanaka/Komainu/internal/config"
	"github.com/shizukutanaka/Komainu/internal/monitoring"
	"github.com/shizukutanaka/Komainu/internal/risk"
)

// AssessmentLister reads persisted risk assessments for the admin surface.
type AssessmentLister interface {
	ListAssessments(identity string, limit int) ([]risk.Assessment, error)
}

// Server exposes the admission pipeline over HTTP and WebSocket.
type Server struct {
	logger   *zap.Logger
	config   config.APIConfig
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader

	gateway     *admission.Gateway
	registry    *admission.Registry
	limiter     *admission.Limiter
	trail       *audit.Trail
	cache       *cache.ScopedCache
	metrics     *monitoring.Metrics
	assessments AssessmentLister

	auth      *middleware.AuthMiddleware
	ipLimiter *IPRateLimiter
}

// Response represents the API response envelope
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// NewServer creates the API server. assessments, cache and metrics may be nil.
func NewServer(logger *zap.Logger, cfg config.APIConfig, gateway *admission.Gateway, registry *admission.Registry, limiter *admission.Limiter, trail *audit.Trail, scoped *cache.ScopedCache, metrics *monitoring.Metrics, assessments AssessmentLister) (*Server, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("API server disabled")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("api.jwt_secret is required when API is enabled")
	}

	s := &Server{
		logger:      logger,
		config:      cfg,
		gateway:     gateway,
		registry:    registry,
		limiter:     limiter,
		trail:       trail,
		cache:       scoped,
		metrics:     metrics,
		assessments: assessments,
		auth: middleware.NewAuthMiddleware(logger, []byte(cfg.JWTSecret),
			cfg.AdminUser, cfg.AdminPassHash, cfg.TokenExpiry),
		ipLimiter: NewIPRateLimiter(cfg.GlobalRateLimit, cfg.GlobalBurst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.AllowOrigins) == 0 {
					return false
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return false
				}
				for _, allowed := range cfg.AllowOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.logMiddleware)
	s.router.Use(s.rateLimitMiddleware)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Admission surface
	v1.HandleFunc("/admission/check", s.handleCheck).Methods("POST")
	v1.HandleFunc("/admission/transaction", s.handleCheckTransaction).Methods("POST")
	v1.HandleFunc("/auth/report", s.handleAuthReport).Methods("POST")

	// Admin surface
	v1.HandleFunc("/admin/login", s.auth.Login).Methods("POST")

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(s.auth.RequireAdmin)
	admin.HandleFunc("/blocks", s.handleListBlocks).Methods("GET")
	admin.HandleFunc("/blocks", s.handleBlock).Methods("POST")
	admin.HandleFunc("/blocks/{identity}", s.handleUnblock).Methods("DELETE")
	admin.HandleFunc("/audit", s.handleAuditLog).Methods("GET")
	admin.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	admin.HandleFunc("/alerts/{id}", s.handleClearAlert).Methods("DELETE")
	admin.HandleFunc("/assessments", s.handleAssessments).Methods("GET")
	admin.HandleFunc("/cache/invalidate", s.handleCacheInvalidate).Methods("POST")
	admin.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Alert stream for dashboards
	s.router.HandleFunc("/ws/alerts", s.handleAlertStream)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Start begins serving. It returns immediately; errors surface in the log.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server",
		zap.String("listen_addr", s.config.ListenAddr),
		zap.Bool("tls_enabled", s.config.EnableTLS),
	)

	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ipLimiter.Allow(r.RemoteAddr) {
			s.writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success: status < 400,
		Data:    data,
		Time:    time.Now(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   message,
		Time:    time.Now(),
	})
}
