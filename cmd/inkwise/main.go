// Command inkwise runs the Inkwise AI completion engine as an HTTP server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkwise/inkwise/internal/config"
	"github.com/inkwise/inkwise/internal/engine"
	"github.com/inkwise/inkwise/internal/health"
	"github.com/inkwise/inkwise/internal/observe"
	"github.com/inkwise/inkwise/pkg/provider/llm"
	"github.com/inkwise/inkwise/pkg/provider/llm/anyllm"
	"github.com/inkwise/inkwise/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "inkwise: config file %q not found (copy configs/example.yaml to get started)\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "inkwise: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("inkwise starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"providers", len(cfg.Providers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every later component records into the real providers.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "inkwise",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinDrivers(reg)

	eng, err := engine.New(cfg, reg)
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	newAPI(eng).register(mux)
	health.New(health.Engine(eng), health.Providers(eng)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinDrivers wires the adapter factories that ship with Inkwise
// into reg. The "openai" driver talks to the OpenAI API (or any compatible
// endpoint via base_url); the "anyllm" driver fans out to every vendor the
// any-llm library supports, selected by the config's vendor field.
func registerBuiltinDrivers(reg *config.Registry) {
	reg.Register("openai", func(pc config.ProviderConfig) (llm.Provider, error) {
		var opts []openai.Option
		if pc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pc.BaseURL))
		}
		return openai.New(pc.APIKey, pc.Model, opts...)
	})

	reg.Register("anyllm", func(pc config.ProviderConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if pc.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(pc.APIKey))
		}
		if pc.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(pc.BaseURL))
		}
		return anyllm.New(pc.Vendor, pc.Model, opts...)
	})
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
