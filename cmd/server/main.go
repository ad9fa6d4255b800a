// Package main initializes and starts the SmartMark server, setting up
// configuration, logging, the backend adapters, browser sessions, services,
// handlers and the HTTP listener.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/smartmark/internal/auth"
	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/backend/supabase"
	"github.com/atinyakov/smartmark/internal/certgen"
	"github.com/atinyakov/smartmark/internal/changefeed/pgnotify"
	"github.com/atinyakov/smartmark/internal/changefeed/realtime"
	"github.com/atinyakov/smartmark/internal/config"
	"github.com/atinyakov/smartmark/internal/db"
	"github.com/atinyakov/smartmark/internal/logger"
	"github.com/atinyakov/smartmark/internal/metrics"
	redisconn "github.com/atinyakov/smartmark/internal/redis"
	"github.com/atinyakov/smartmark/internal/repository"
	"github.com/atinyakov/smartmark/internal/server/handler/http"
	"github.com/atinyakov/smartmark/internal/service"
	"github.com/atinyakov/smartmark/internal/session"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line, config file and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New(logger.WithPretty(options.PrettyLog))
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	if err := options.Validate(); err != nil {
		zapLogger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("smartmark")
	supaCfg := supabase.Config{URL: options.SupabaseURL, AnonKey: options.SupabaseKey}
	provider := supabase.NewProvider(supaCfg)
	verifier := auth.NewVerifier(options.JWTSecret)

	var (
		store      backend.DataStore
		feed       backend.ChangeFeed
		sessions   session.Store
		identities service.IdentityRepository
	)

	if options.UsesPostgres() {
		// Direct Postgres: repository, LISTEN/NOTIFY feed and session table.
		postgresDB, err := db.InitPostgres(options.DatabaseDSN)
		if err != nil {
			zapLogger.Fatal("cannot init database", zap.Error(err))
		}
		defer postgresDB.Close()

		listener, err := pgnotify.Listen(options.DatabaseDSN, db.NotifyChannel, zapLogger)
		if err != nil {
			zapLogger.Fatal("cannot listen for bookmark changes", zap.Error(err))
		}
		defer listener.Close()

		store = repository.NewPostgresBookmarkRepository(postgresDB, zapLogger)
		feed = listener
		sessions = session.NewPostgresStore(postgresDB)
		identities = repository.NewPostgresIdentityRepository(postgresDB)

		// Remove expired browser sessions.
		db.StartSessionCleaner(ctx, postgresDB, time.Hour, zapLogger)
	} else {
		store = supabase.NewStore(supaCfg, zapLogger)
		feed = realtime.New(realtime.Config{URL: options.SupabaseURL, AnonKey: options.SupabaseKey}, zapLogger)
	}

	switch {
	case options.RedisAddr != "":
		rdb, err := redisconn.New(redisconn.DefaultConnectOptions(options.RedisAddr, options.RedisPassword, options.RedisDB), zapLogger)
		if err != nil {
			zapLogger.Fatal("cannot connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		sessions = session.NewRedisStore(rdb)
	case sessions == nil:
		mem := session.NewMemoryStore()
		mem.StartSweeper(ctx, 10*time.Minute, zapLogger)
		sessions = mem
	}

	guarded := backend.NewGuardedStore(store, backend.DefaultBreakerConfig("bookmarks"),
		options.BackendTimeout.Duration, m, zapLogger)

	publicURL := strings.TrimRight(options.PublicURL, "/")
	manager := session.NewManager(sessions, options.SessionTTL.Duration, provider, auth.Options{
		RedirectTo: publicURL + "/auth/callback",
		Verifier:   verifier,
		Logger:     zapLogger,
	})

	// Initialize business-logic services.
	authService := service.NewAuthService(service.AuthConfig{
		Sessions:   manager,
		Users:      provider,
		Verifier:   verifier,
		Identities: identities,
		Logger:     zapLogger,
	})
	bookmarkService := service.NewBookmarkService(guarded)

	// Build the router with middleware and routes.
	router := http.NewRouter(http.RouterConfig{
		Auth:      &http.AuthHandler{AuthService: authService, Provider: options.OAuthProvider, Logger: zapLogger},
		Bookmarks: &http.BookmarkHandler{BookmarkService: bookmarkService},
		Live: &http.LiveHandler{
			Sessions: authService,
			Store:    guarded,
			Feed:     feed,
			Metrics:  m,
			Logger:   zapLogger,
		},
		Page:          &http.PageHandler{Provider: options.OAuthProvider},
		Sessions:      authService,
		Metrics:       m,
		Logger:        zapLogger,
		SecureCookies: options.UsesTLS() || strings.HasPrefix(publicURL, "https://"),
		SessionTTL:    options.SessionTTL.Duration,
	})

	server := &nethttp.Server{
		Addr:              options.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Live channels are hijacked, so they end with ctx rather than Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	if options.UsesTLS() {
		tlsConfig, err := certgen.LoadServerConfig(options.TLSCert, options.TLSKey)
		if err != nil {
			zapLogger.Fatal("cannot load tls key pair", zap.Error(err))
		}
		server.TLSConfig = tlsConfig
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	zapLogger.Info("starting HTTP server",
		zap.String("addr", options.Address),
		zap.Bool("postgres", options.UsesPostgres()),
		zap.Bool("redis_sessions", options.RedisAddr != ""),
		zap.Bool("tls", options.UsesTLS()))
	var err error
	if options.UsesTLS() {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("failed to start HTTP server", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}
