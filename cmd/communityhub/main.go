package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"communityhub/internal/app"
	"communityhub/internal/config"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "communityhub: %v\n", err)
	}
	stop()
	os.Exit(code)
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, logOutput io.Writer) (int, error) {
	// STEP 1: .env is optional; real environment variables take priority
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return exitConfig, fmt.Errorf("failed to load .env: %w", err)
	}

	// STEP 2: Load configuration with precedence (file > env > defaults)
	cfg, err := config.Load(os.Getenv("COMMUNITYHUB_CONFIG_FILE"))
	if err != nil {
		return exitConfig, err
	}
	logger := app.NewLogger(logOutput, cfg.Log.Format, cfg.Log.Level)

	// STEP 3: Create and start the application
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return exitRuntime, fmt.Errorf("failed to start application: %w", err)
	}

	// STEP 4: Wait for shutdown signal
	<-ctx.Done()
	logger.Info("app.signal", "cause", context.Cause(ctx))

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return exitRuntime, fmt.Errorf("shutdown error: %w", err)
	}
	return exitOK, nil
}
