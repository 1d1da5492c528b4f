package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reqshield/internal/alerts"
	"reqshield/internal/api"
	"reqshield/internal/config"
	"reqshield/internal/engine"
	"reqshield/internal/events"
	"reqshield/internal/logging"
	"reqshield/internal/metrics"
	"reqshield/internal/middleware"
	"reqshield/internal/storage"
	"reqshield/internal/store"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reqshield:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", os.Getenv("REQSHIELD_CONFIG"), "path to config file (yaml or json)")
	flag.Parse()

	manager, err := loadConfig(config.ResolvePath(*cfgPath))
	if err != nil {
		return err
	}
	cfg := manager.Get()

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := buildStore(ctx, cfg, logger)
	defer st.Close()

	snapshots, err := storage.NewStore(cfg.Events.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if snapshots != nil {
		if err := snapshots.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer snapshots.Close()
	}

	recent := alerts.NewStore(cfg.Events.RingSize)
	sinks := []events.Sink{recent}
	if snapshots != nil {
		sinks = append(sinks, events.NewStorageSink(snapshots))
	}
	if cfg.Events.Kafka.Enabled {
		k := events.NewKafkaSink(cfg.Events.Kafka)
		defer k.Close()
		sinks = append(sinks, k)
	}
	dispatcher := events.NewDispatcher(cfg.Events, logger, sinks...)

	eng, err := engine.NewEngine(cfg, engine.Options{
		Store:     st,
		Logger:    logger,
		Metrics:   metrics.NewCollectors(),
		Counts:    metrics.NewStore(0),
		Alerts:    recent,
		Events:    dispatcher,
		Snapshots: snapshots,
	})
	if err != nil {
		return err
	}
	manager.SetCheck(eng.CheckConfig)
	dispatcher.Start(ctx)
	eng.Start(ctx)

	if manager.Path() != "" {
		err := manager.Watch(ctx, func(next *config.Config) {
			if err := eng.UpdateConfig(next); err != nil {
				logger.Error("config reload rejected", zap.Error(err))
				return
			}
			logger.Info("config reloaded", zap.String("path", manager.Path()))
		}, func(err error) {
			logger.Error("config reload failed", zap.Error(err))
		})
		if err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
		}
	}

	api.Start(ctx, api.NewServer(manager, eng, dispatcher, logger, version))

	upstream, err := url.Parse(cfg.Proxy.Upstream)
	if err != nil || upstream.Host == "" {
		return fmt.Errorf("invalid proxy.upstream %q", cfg.Proxy.Upstream)
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream error", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	server := &http.Server{
		Addr:              cfg.Proxy.Listen,
		Handler:           middleware.New(eng, logger).Handler(proxy),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening",
			zap.String("addr", cfg.Proxy.Listen),
			zap.String("upstream", upstream.String()),
			zap.String("mode", cfg.Mode),
			zap.String("version", version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("proxy server: %w", err)
		}
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("proxy shutdown", zap.Error(err))
	}
	stop()
	dispatcher.Wait()
	return nil
}

// loadConfig reads path when given. Without a path the defaults are used and
// the config cannot be reloaded from disk.
func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	manager, err := config.NewManager(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return manager, nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) store.Store {
	if !strings.EqualFold(cfg.Store.Driver, "redis") {
		logger.Info("using in-process store")
		return store.NewMemory()
	}
	primary := store.NewRedis(cfg.Store)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := primary.Ping(pingCtx); err != nil {
		logger.Warn("redis unreachable at startup, starting on memory fallback",
			zap.String("addr", cfg.Store.Addr),
			zap.Error(err),
		)
	} else {
		logger.Info("using redis store", zap.String("addr", cfg.Store.Addr))
	}
	return store.NewFailover(primary, store.NewMemory(), cfg.Store.RetryInterval.Std(), logger)
}
