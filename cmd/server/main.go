package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chronomap/chronomap/internal/auth"
	"github.com/chronomap/chronomap/internal/circuitbreaker"
	"github.com/chronomap/chronomap/internal/config"
	"github.com/chronomap/chronomap/internal/httpapi"
	_ "github.com/chronomap/chronomap/internal/metrics" // register collectors
	"github.com/chronomap/chronomap/internal/provider"
	"github.com/chronomap/chronomap/internal/quota"
	"github.com/chronomap/chronomap/internal/session"
	"github.com/chronomap/chronomap/internal/store"
	"github.com/chronomap/chronomap/internal/streaming"
	"github.com/chronomap/chronomap/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Observability)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	sessions, err := session.NewManager(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer sessions.Close()

	providerClient := provider.NewClient(provider.Config{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		RequestTimeout: cfg.Provider.RequestTimeout,
		RequestsPerMin: cfg.Provider.RequestsPerMin,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Provider.BreakerThreshold,
			ResetTimeout:     cfg.Provider.BreakerReset,
		},
	}, logger)

	quota.Reload(cfg.Quota.TiersPath)
	if cfg.Quota.TiersPath != "" {
		go watchTiersConfig(ctx, cfg.Quota.TiersPath, logger)
	}
	gate := quota.NewGate(st, cfg.Quota.Unmetered, logger)
	cookies := quota.NewCookieCodec(cfg.Auth.CookieSecret)

	streams := streaming.NewManager(0)
	orchestrator := task.NewOrchestrator(
		providerClient, st, streams,
		cfg.Provider.PollInterval, cfg.Provider.MaxPolls,
		logger,
	)

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	bridge := auth.NewBridge(cfg.Auth, logger)
	authService := auth.NewService(st, sessions, jwtManager, bridge, cfg.Auth.SignInTokenTTL, logger)

	mux := http.NewServeMux()
	apiServer := httpapi.NewServer(
		orchestrator, st, gate, cookies,
		authService, auth.NewMiddleware(jwtManager),
		sessions, streams, providerClient,
		logger,
	)
	apiServer.RegisterRoutes(mux)

	if cfg.Observability.MetricsPort > 0 {
		go serveMetrics(cfg.Observability.MetricsPort, logger)
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func buildLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// watchTiersConfig hot-reloads the tier policy file. Editors replace the
// file rather than write in place, so re-add the watch after rename events.
func watchTiersConfig(ctx context.Context, path string, logger *zap.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Tier config watcher unavailable", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		logger.Warn("Cannot watch tier config", zap.String("path", path), zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				quota.Reload(path)
				logger.Info("Tier policies reloaded", zap.String("path", path))
				if ev.Op&fsnotify.Rename != 0 {
					_ = watcher.Add(path)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Tier config watch error", zap.Error(err))
		}
	}
}

func serveMetrics(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Metrics server listening", zap.Int("port", port))
	if err := http.ListenAndServe(":"+strconv.Itoa(port), mux); err != nil {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}
