package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/accounts"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/metrics"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/ratelimit"
)

type RouterConfig struct {
	AllowedOrigins []string
	// Per client IP. Zero disables HTTP rate limiting.
	RequestsPerSecond float64
	RequestBurst      int
}

// Router mounts the REST API, metrics and the websocket handler. The
// returned stop function releases the rate limiter.
func (a *API) Router(ws http.Handler, cfg RouterConfig) (http.Handler, func()) {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID, middleware.RealIP, a.requestLogger, middleware.Recoverer, metrics.Middleware)

	stop := func() {}
	if cfg.RequestsPerSecond > 0 {
		limiters := ratelimit.NewClientLimiters(cfg.RequestsPerSecond, cfg.RequestBurst)
		r.Use(a.rateLimit(limiters))
		stop = limiters.Stop
	}

	r.Get("/healthz", a.HealthHandler)
	r.Handle("/metrics", metrics.Handler())
	r.With(a.authenticate(false)).Handle("/ws", ws)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.StatsHandler)
		r.Post("/auth/signup", a.SignupHandler)
		r.Post("/auth/login", a.LoginHandler)

		r.Route("/projects", func(r chi.Router) {
			r.With(a.authenticate(false)).Get("/{projectID}", a.GetProjectHandler)

			r.Group(func(r chi.Router) {
				r.Use(a.authenticate(true))
				r.Post("/", a.CreateProjectHandler)
				r.Get("/", a.ListProjectsHandler)
				r.Get("/secret/{code}", a.ProjectBySecretHandler)
				r.Put("/{projectID}", a.UpdateProjectHandler)
				r.Delete("/{projectID}", a.DeleteProjectHandler)
				r.Get("/{projectID}/secret-code", a.GetSecretCodeHandler)
				r.Post("/{projectID}/secret-code", a.RegenerateSecretCodeHandler)
				r.Post("/{projectID}/collaborators", a.AddCollaboratorHandler)
			})
		})
	})

	return r, stop
}

// authenticate resolves the bearer token into an identity on the request
// context. When required is false a missing or invalid token leaves the
// request anonymous.
func (a *API) authenticate(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := accounts.TokenFromRequest(r)
			if token == "" {
				if required {
					a.errorResponse(w, http.StatusUnauthorized, "Authentication required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			id, err := a.accounts.Authenticate(r.Context(), token)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(accounts.WithIdentity(r.Context(), id)))
			case !errors.Is(err, accounts.ErrUnauthenticated):
				a.serverError(w, r, "failed to authenticate", err)
			case required:
				a.errorResponse(w, http.StatusUnauthorized, "Invalid or expired token")
			default:
				a.logger.Debug("ignoring invalid token", zap.String("path", r.URL.Path))
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (a *API) rateLimit(limiters *ratelimit.ClientLimiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.Allow(clientIP(r)) {
				metrics.RateLimited.Inc()
				a.errorResponse(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
