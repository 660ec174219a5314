package handler

import (
	"context"
	"net/http"
	"net/netip"
	"sort"
	"time"

	"chat-auth-guard/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterConfig carries everything NewRouter mounts.
type RouterConfig struct {
	// RequireHTTPS rejects plaintext requests with 426.
	RequireHTTPS    bool
	RequestTimeout  time.Duration
	CORSOrigins     []string
	AuthRoutePrefix string
	// TrustedProxies are the peers allowed to name the client through
	// forwarding headers.
	TrustedProxies []netip.Prefix

	Guard        *Guard
	Upstream     http.Handler
	Admin        *AdminHandler
	HealthChecks map[string]HealthCheck
	Logger       *zap.Logger
}

// requireHTTPS rejects any request that wasn’t made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			respondWithError(w, http.StatusUpgradeRequired, "https required", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TrustedRealIP applies chi's RealIP only to requests whose socket peer is
// inside one of the trusted prefixes. Any other peer keeps its own address,
// whatever forwarding headers it sends.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		forwarded := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peerTrusted(r.RemoteAddr, trusted) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peerTrusted(remoteAddr string, trusted []netip.Prefix) bool {
	addrPort, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return false
	}
	addr := addrPort.Addr().Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// NewRouter creates the gateway router: guarded auth routes, admin and
// health endpoints, and everything else proxied upstream.
func NewRouter(cfg RouterConfig) chi.Router {
	if cfg.Logger == nil {
		cfg.Logger = util.Get()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"https://*"}
	}

	router := chi.NewRouter()

	if cfg.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(TrustedRealIP(cfg.TrustedProxies))
	router.Use(LoggerMiddleware(cfg.Logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.RequestTimeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(cfg.HealthChecks))

	// Unmatched paths and methods belong to the upstream application.
	fallback := cfg.Upstream
	if fallback == nil {
		fallback = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondWithError(w, http.StatusNotFound, "endpoint not found", "")
		})
	}
	router.NotFound(fallback.ServeHTTP)
	router.MethodNotAllowed(fallback.ServeHTTP)

	if cfg.Admin != nil {
		cfg.Admin.RegisterRoutes(router)
	}

	if cfg.Guard != nil {
		router.Route(cfg.AuthRoutePrefix, func(r chi.Router) {
			for path, gc := range map[string]GuardConfig{
				"/login":           LoginGuard,
				"/register":        RegisterGuard,
				"/verify-otp":      VerifyOTPGuard,
				"/forgot-password": ForgotPasswordGuard,
				"/reset-password":  ResetPasswordGuard,
			} {
				r.With(cfg.Guard.Middleware(gc)).Post(path, fallback.ServeHTTP)
			}
		})
	}

	return router
}

type healthStatus struct {
	Status       string            `json:"status"`
	Service      string            `json:"service"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := healthStatus{Status: "healthy", Service: "chat-auth-guard", Dependencies: map[string]string{}}
		code := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				util.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
				status.Dependencies[name] = "unhealthy"
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			status.Dependencies[name] = "healthy"
		}
		respondWithJSON(w, code, status)
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
