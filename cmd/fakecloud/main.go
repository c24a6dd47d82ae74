// Command fakecloud serves an in-memory stand-in for the cloud control plane,
// for exercising matrixctl and the session without real machines.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tphummel/lab_matrix/internal/fakecloud"
	"github.com/tphummel/lab_matrix/internal/metrics"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// loadConfig reads service configuration from environment variables and
// applies defaults. It returns an error when a required variable is absent.
func loadConfig() (token, port string, pageSize int, err error) {
	token = os.Getenv("FAKECLOUD_TOKEN")
	if token == "" {
		err = fmt.Errorf("FAKECLOUD_TOKEN environment variable is required")
		return
	}
	port = os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	pageSize = 20
	if v := os.Getenv("FAKECLOUD_PAGE_SIZE"); v != "" {
		pageSize, err = strconv.Atoi(v)
		if err != nil || pageSize <= 0 {
			err = fmt.Errorf("FAKECLOUD_PAGE_SIZE must be a positive integer, got %q", v)
			return
		}
	}
	return
}

func main() {
	token, port, pageSize, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	fake := fakecloud.New(token, fakecloud.WithLogger(logger), fakecloud.WithPageSize(pageSize))

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(metrics.NewRegistry(nil)))
	mux.Handle("/", fake.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("listening", "port", port, "version", version, "commit", commit)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	logger.Info("server stopped")
}
