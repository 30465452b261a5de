package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetkey/relay/internal/authn"
	"github.com/fleetkey/relay/internal/cache"
	"github.com/fleetkey/relay/internal/config"
	"github.com/fleetkey/relay/internal/providerhandler"
	"github.com/fleetkey/relay/internal/providerhandler/aistudio"
	"github.com/fleetkey/relay/internal/providerhandler/codeassist"
	"github.com/fleetkey/relay/internal/providerhandler/codebuddy"
	"github.com/fleetkey/relay/internal/providerhandler/openaicompat"
	"github.com/fleetkey/relay/internal/router"
	"github.com/fleetkey/relay/internal/server"
	"github.com/fleetkey/relay/internal/store/sqlite"
	"github.com/fleetkey/relay/internal/telemetry"
	"github.com/fleetkey/relay/internal/tokencount"
	"github.com/fleetkey/relay/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting relay", "version", version, "addr", cfg.Server.Addr)

	st, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, st); err != nil {
		return err
	}

	// Shared DNS cache for every provider handler's HTTP client.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	handlers := make(map[string]providerhandler.Handler, len(cfg.Providers))
	for _, p := range cfg.Providers {
		h, err := buildHandler(p, dnsResolver)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
		handlers[p.Name] = h
		slog.Info("provider handler registered", "name", p.Name, "handler", p.Handler)
	}
	registry := providerhandler.NewRegistry(handlers)

	authMW, err := authn.New(st)
	if err != nil {
		return fmt.Errorf("authn: %w", err)
	}

	tokenCounter := tokencount.NewCounter()

	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if err != nil {
			return err
		}
		responseCache = mc
		slog.Info("response cache enabled", "max_size", cfg.Cache.MaxSize, "default_ttl", cfg.Cache.DefaultTTL)
	}

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("relay/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	routerSvc := router.New(registry, tracer)

	maintenanceWorker := worker.NewMaintenanceWorker(st, cfg.Maintenance.Schedule)
	runner := worker.NewRunner(maintenanceWorker)

	handler := server.New(server.Deps{
		Auth:           authMW,
		Router:         routerSvc,
		Store:          st,
		TokenCounter:   tokenCounter,
		Cache:          responseCache,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     st.Ping,
		CacheTTL:       cfg.Cache.DefaultTTL,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Config hot-reload: provider/user/key edits are re-bootstrapped
	// in-place (Bootstrap upserts providers and only seeds new users/keys),
	// so an edit to configs/relay.yaml takes effect without a restart.
	go func() {
		if err := config.Watch(workerCtx, configPath, func(newCfg *config.Config) {
			if err := config.Bootstrap(workerCtx, newCfg, st); err != nil {
				slog.Error("config reload bootstrap failed", "error", err)
			}
		}); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("config watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/messages",
			"POST /v1beta/models/{model}:{action}",
			"GET  /v1/models",
		},
	)
	slog.Info("relay ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("relay stopped")
	return nil
}

// buildHandler constructs the providerhandler.Handler named by p.Handler,
// each with its own http.Client built over the shared DNS-cached transport
// (§4.3's four credential families).
func buildHandler(p config.ProviderEntry, resolver *dnscache.Resolver) (providerhandler.Handler, error) {
	switch p.Handler {
	case "aistudio":
		return aistudio.New(resolver), nil
	case "openaicompat":
		return openaicompat.New(resolver), nil
	case "codeassist":
		client := &http.Client{Transport: providerhandler.NewTransport(resolver, true)}
		return codeassist.New(client), nil
	case "codebuddy":
		client := &http.Client{Transport: providerhandler.NewTransport(resolver, true)}
		return codebuddy.New(client), nil
	default:
		return nil, fmt.Errorf("unknown handler type %q", p.Handler)
	}
}
