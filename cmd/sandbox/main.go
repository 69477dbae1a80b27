/*
main.go - Sandbox storefront entry point

PURPOSE:
  Runs the simulated storefront so the checkout client can be exercised
  end-to-end without a real backend. All state is in memory.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Create the sandbox handler
  3. Configure HTTP router
  4. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080)
  -pin        PIN accepted for approvals (default: 123456)
  -token-ttl  Access token lifetime (default: 15m)
              Use a short value (e.g. 30s) to watch session refresh happen
  -scenario   Demo scenario to preload (see api/scenarios.go)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Exit

EXAMPLES:
  ./sandbox -port=3000 -token-ttl=30s

SEE ALSO:
  - api/server.go: Router configuration
  - cmd/checkout/main.go: Client CLI
*/
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

	"github.com/warp/checkout-guard/api"
)

func main() {
	defaults := api.DefaultConfig()

	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	pin := flag.String("pin", defaults.PIN, "PIN accepted for approvals")
	tokenTTL := flag.Duration("token-ttl", defaults.TokenTTL, "access token lifetime")
	scenario := flag.String("scenario", "", "demo scenario to preload")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := defaults
	cfg.PIN = *pin
	cfg.TokenTTL = *tokenTTL

	handler := api.NewHandler(cfg, logger)
	if *scenario != "" {
		if _, err := handler.Load(*scenario); err != nil {
			logger.Error("failed to load scenario", "error", err)
			os.Exit(1)
		}
	}
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("sandbox storefront starting", "addr", fmt.Sprintf("http://localhost:%d/api", *port), "token_ttl", cfg.TokenTTL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
