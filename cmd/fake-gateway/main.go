// ABOUTME: Stand-in coven-gateway for running coven-relay locally and in E2E tests
// ABOUTME: Usage: fake-gateway [-addr :8080] [-secret s3cret] [-delay 40ms]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/coven-relay/internal/auth"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "HTTP listen address")
	secret := flag.String("secret", os.Getenv("COVEN_JWT_SECRET"), "JWT secret; empty accepts any caller")
	delay := flag.Duration("delay", 40*time.Millisecond, "Pause between streamed words")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*addr, *secret, *delay, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, secret string, delay time.Duration, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var verifier auth.TokenVerifier
	if secret != "" {
		verifier = auth.NewJWTVerifier([]byte(secret))
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(verifier, delay, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake gateway listening", "addr", addr, "auth", verifier != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
