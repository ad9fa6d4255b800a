// Package main runs the SmartMark terminal client: a shell over the same
// view-model the web page uses, talking to Supabase directly.
package main

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atinyakov/smartmark/internal/auth"
	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/backend/supabase"
	"github.com/atinyakov/smartmark/internal/changefeed/realtime"
	"github.com/atinyakov/smartmark/internal/client/shell"
	"github.com/atinyakov/smartmark/internal/config"
	"github.com/atinyakov/smartmark/internal/logger"
	"github.com/atinyakov/smartmark/internal/viewmodel"
	"go.uber.org/zap"
)

var (
	version   string
	buildDate string
)

// main wires the client and hands the terminal to the shell.
func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("SmartMark Client\nVersion: %s\nBuild Date: %s\n", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A"))
			return
		}
	}
	options := config.Parse()
	if err := options.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logger.New(logger.WithPretty(true))
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supaCfg := supabase.Config{URL: options.SupabaseURL, AnonKey: options.SupabaseKey}
	store := backend.NewGuardedStore(supabase.NewStore(supaCfg, zapLogger),
		backend.DefaultBreakerConfig("bookmarks"), options.BackendTimeout.Duration, nil, zapLogger)
	feed := realtime.New(realtime.Config{URL: options.SupabaseURL, AnonKey: options.SupabaseKey}, zapLogger)

	authClient := auth.NewClient(supabase.NewProvider(supaCfg), shell.NewSessionFile(options.SessionFile), auth.Options{
		RedirectTo: "http://" + options.CallbackAddr + shell.CallbackPath,
		Verifier:   auth.NewVerifier(options.JWTSecret),
		Logger:     zapLogger,
	})
	defer authClient.Close()

	vm := viewmodel.New(viewmodel.Config{
		Auth:   authClient,
		Store:  store,
		Feed:   feed,
		Logger: zapLogger,
	})
	defer vm.Close()

	if err := vm.RestoreSession(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Could not restore the saved session: %v\n", err)
	}

	sh := shell.New(shell.Config{
		VM:       vm,
		Auth:     authClient,
		Listen:   func() (shell.Callback, error) { return shell.ListenCallback(options.CallbackAddr) },
		Provider: options.OAuthProvider,
		Out:      os.Stdout,
	})
	fmt.Println("SmartMark. Type 'help' for a list of commands.")
	if err := sh.Run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
		zapLogger.Error("shell stopped", zap.Error(err))
	}
}
