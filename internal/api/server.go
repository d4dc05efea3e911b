package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/flowguard-project/flowguard/internal/guard"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// apiCategory is the rate limit category applied to anonymous API calls.
const apiCategory = "api"

// guardCheckPath carries decisions for many end users from one backend, so
// it is limited per actor inside the pipeline rather than per caller here.
const guardCheckPath = "/api/v1/guard/check"

type ctxKey int

const authenticatedKey ctxKey = iota

// authenticated reports whether the request presented a valid API key.
func authenticated(r *http.Request) bool {
	ok, _ := r.Context().Value(authenticatedKey).(bool)
	return ok
}

// Server is the FlowGuard REST API server.
type Server struct {
	svc    *guard.Service
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(svc *guard.Service) *Server {
	s := &Server{
		svc:    svc,
		logger: svc.Logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(svc.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc(guardCheckPath, s.handleGuardCheck)
	mux.HandleFunc("/api/v1/csrf/token", s.handleCSRFToken)
	mux.HandleFunc("/api/v1/csrf/validate", s.handleCSRFValidate)
	mux.HandleFunc("/api/v1/password/strength", s.handlePasswordStrength)
	mux.HandleFunc("/api/v1/sanitize", s.handleSanitize)
	mux.HandleFunc("/api/v1/blocks", s.handleBlocks)
	mux.HandleFunc("/api/v1/anomaly/evaluate", s.handleAnomalyEvaluate)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/alerts/dead-letters", s.handleDeadLetters)
	mux.HandleFunc("/api/v1/crypto/encrypt", s.handleEncrypt)
	mux.HandleFunc("/api/v1/crypto/decrypt", s.handleDecrypt)
	mux.HandleFunc("/api/v1/crypto/hash", s.handleHash)

	// CORS -> logging -> auth -> throttle -> handler
	handler := corsMiddleware(
		loggingMiddleware(
			authMiddleware(
				throttleMiddleware(mux, svc),
				svc.Config, s.logger,
			),
			s.logger,
		),
		svc.Config.Server.CORSOrigins,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", svc.Config.Server.Host, svc.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.svc.Config.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.svc.Config.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set api_keys in config or FLOWGUARD_API_KEY env var")
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authMiddleware enforces API key authentication on all endpoints except
// /health. If no keys are configured, all requests are allowed.
func authMiddleware(next http.Handler, cfg *core.Config, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); auth != "" {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized",
				"missing authentication, provide Authorization: Bearer <key> or X-API-Key header")
			return
		}
		if !cfg.ValidateAPIKey(key) {
			logger.Warn().Str("path", r.URL.Path).Str("ip", clientIP(r)).Msg("invalid API key")
			writeError(w, http.StatusForbidden, "forbidden", "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authenticatedKey, true)))
	})
}

// throttleMiddleware rejects blocked sources and applies the "api" rate
// limit category per client address. Callers holding a valid API key and
// guard checks are not throttled.
func throttleMiddleware(next http.Handler, svc *guard.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if svc.Blocks.IsBlocked(r.Context(), ip) {
			writeError(w, http.StatusForbidden, "source_blocked", "source address is blocked")
			return
		}
		if authenticated(r) || r.URL.Path == guardCheckPath {
			next.ServeHTTP(w, r)
			return
		}

		res := svc.RateLimiter.Check(r.Context(), ip, apiCategory)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			retry := int(time.Until(res.ResetAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, try again later")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := "*"
		if len(allowedOrigins) > 0 {
			allowed = ""
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = origin
					break
				}
			}
			if allowed == "" {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if len(allowedOrigins) > 0 && allowedOrigins[0] != "*" {
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
