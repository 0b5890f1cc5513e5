package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/execution"
	"github.com/loomworks/loom/pkg/launch"
	"github.com/loomworks/loom/pkg/serdes"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address for launch sessions")
	logLevel := flag.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	setupLogging(*logLevel)
	logger := slog.Default().With("component", "loom-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := serdes.NewRegistry()
	if err := events.RegisterTypes(registry); err != nil {
		logger.Error("failed to register event types", "error", err)
		os.Exit(1)
	}

	runner := launch.NewRunner(registry)
	registerBuiltinSteps(runner)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/launch", launch.NewServer(runner, logger))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("worker listening", "addr", *addr, "protocol", launch.ProtocolVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// registerBuiltinSteps installs the smoke-test steps every worker ships
// with. Deployments register their real steps here.
func registerBuiltinSteps(runner *launch.Runner) {
	runner.RegisterStep("noop", func(ctx context.Context, sc *execution.StepContext) error {
		return nil
	})
	runner.RegisterStep("emit-sample", func(ctx context.Context, sc *execution.StepContext) error {
		m, err := events.NewMaterialization("sample", map[string]any{
			"rows":   42,
			"source": "builtin",
		})
		if err != nil {
			return err
		}
		return sc.LogEvent(m)
	})
	runner.RegisterStep("sleep", func(ctx context.Context, sc *execution.StepContext) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
