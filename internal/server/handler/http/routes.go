package http

import (
	"net/http"
	"time"

	"github.com/atinyakov/smartmark/internal/metrics"
	"github.com/atinyakov/smartmark/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig carries the handlers and settings of NewRouter.
type RouterConfig struct {
	Auth      *AuthHandler
	Bookmarks *BookmarkHandler
	Live      *LiveHandler
	Page      *PageHandler
	// Sessions resolves the session of API requests.
	Sessions middleware.SessionResolver
	Metrics  *metrics.Collector
	Logger   *zap.Logger
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
	SessionTTL    time.Duration
	// AllowedOrigins is the CORS allow list of the REST API.
	AllowedOrigins []string
}

// NewRouter constructs the HTTP handler of the server.
//
// Routes:
//
//	GET    /                   → Page.Index
//	GET    /auth/signin        → Auth.SignIn
//	GET    /auth/callback      → Auth.Callback
//	POST   /auth/signout       → Auth.SignOut
//	GET    /api/live           → Live.Serve (WebSocket)
//	GET    /api/bookmarks      → Bookmarks.List   (session required)
//	POST   /api/bookmarks      → Bookmarks.Add    (session required)
//	DELETE /api/bookmarks/{id} → Bookmarks.Delete (session required)
//	GET    /healthz, /metrics
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(logger, cfg.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.BrowserSession(cfg.SecureCookies, cfg.SessionTTL))

		r.Get("/", cfg.Page.Index)
		r.Get("/auth/signin", cfg.Auth.SignIn)
		r.Get("/auth/callback", cfg.Auth.Callback)
		r.Post("/auth/signout", cfg.Auth.SignOut)
		r.Get("/api/live", cfg.Live.Serve)

		r.Route("/api/bookmarks", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   origins,
				AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
				AllowCredentials: false,
				MaxAge:           300,
			}))
			r.Use(chiMiddleware.AllowContentType("application/json"))
			r.Use(middleware.RequireSession(cfg.Sessions))

			r.Get("/", cfg.Bookmarks.List)
			r.Post("/", cfg.Bookmarks.Add)
			r.Delete("/{id}", cfg.Bookmarks.Delete)
		})
	})

	return r
}
