package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpHandlers "github.com/JeanGrijp/quota-limiter/internal/adapters/http/handlers"
	httpMiddleware "github.com/JeanGrijp/quota-limiter/internal/adapters/http/middleware"
	"github.com/JeanGrijp/quota-limiter/internal/adapters/http/routes"
	"github.com/JeanGrijp/quota-limiter/internal/adapters/metrics"
	memorystorage "github.com/JeanGrijp/quota-limiter/internal/adapters/storage/memory"
	redisstorage "github.com/JeanGrijp/quota-limiter/internal/adapters/storage/redis"
	"github.com/JeanGrijp/quota-limiter/internal/config"
	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
	"github.com/JeanGrijp/quota-limiter/internal/core/services"
	"github.com/JeanGrijp/quota-limiter/internal/logger"
)

// Limites das rotas de demonstração quando a configuração não define outro.
var (
	defaultCreateItemLimit = domain.Limit{Hits: 5, Window: time.Minute}
	defaultGetItemLimit    = domain.Limit{Hits: 20, Window: 10 * time.Second}
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.Server.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(metrics.Options{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	storage, runStorage, closeFn, err := initStorage(cfg.Storage, lg, collector)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer closeFn()

	r := chi.NewRouter()
	router := routes.NewRouter(r, services.NewRouteLimits())

	limiter, err := services.NewRateLimiterService(storage, services.Config{
		GlobalLimit: cfg.RateLimiter.GlobalLimit,
		RouteLimits: router.Limits(),
	}, services.WithLogger(lg), services.WithObserver(collector))
	if err != nil {
		return fmt.Errorf("create limiter: %w", err)
	}

	reports, err := services.NewReportService(storage)
	if err != nil {
		return fmt.Errorf("create report service: %w", err)
	}

	r.Use(httpMiddleware.RequestID)
	r.Use(httpMiddleware.Logger(lg))
	r.Use(httpMiddleware.NewRateLimiterMiddleware(limiter,
		httpMiddleware.WithUserHeader(cfg.Server.UserHeader),
		httpMiddleware.WithLogger(lg),
	))

	if err := registerRoutes(router, cfg.RateLimiter.Routes, reports, lg); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}
	router.Limits().Freeze()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if runStorage != nil {
		g.Go(func() error {
			return runStorage(gctx)
		})
	}

	g.Go(func() error {
		lg.Info("http server listening",
			zap.String("addr", srv.Addr),
			zap.String("storage", cfg.Storage.Type),
			zap.Int("route_limits", router.Limits().Len()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// registerRoutes liga handlers e limites. Limites vindos da configuração
// substituem os padrões das rotas de demonstração.
func registerRoutes(router *routes.Router, configured []config.RouteLimit, reports ports.Reporter, lg *zap.Logger) error {
	overrides := make(map[string]domain.Limit, len(configured))
	for _, rl := range configured {
		key := rl.Method + " " + rl.Route
		if _, exists := overrides[key]; exists {
			return fmt.Errorf("%w: %s", domain.ErrRouteAlreadyRegistered, key)
		}
		overrides[key] = rl.Limit
	}
	limitFor := func(method, pattern string, fallback *domain.Limit) *domain.Limit {
		key := method + " " + pattern
		if l, ok := overrides[key]; ok {
			delete(overrides, key)
			return &l
		}
		return fallback
	}

	items := httpHandlers.NewItemsHandler()
	reportHandler := httpHandlers.NewReportHandler(reports, lg)

	createLimit, getLimit := defaultCreateItemLimit, defaultGetItemLimit
	handlers := []struct {
		method  string
		pattern string
		limit   *domain.Limit
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/test", nil, httpHandlers.TestHandler},
		{http.MethodPost, "/items", &createLimit, items.Create},
		{http.MethodGet, "/items/{id}", &getLimit, items.Get},
		{http.MethodGet, "/@ratelimits", nil, reportHandler.UserReport},
		{http.MethodGet, "/admin/ratelimits", nil, reportHandler.AllReport},
	}
	for _, h := range handlers {
		if err := router.Handle(h.method, h.pattern, limitFor(h.method, h.pattern, h.limit), h.handler); err != nil {
			return err
		}
	}

	for key := range overrides {
		lg.Warn("rate limit configured for unknown route", zap.String("route", key))
	}

	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return nil
}

func initStorage(cfg config.StorageConfig, lg *zap.Logger, observer ports.Observer) (ports.Storage, func(context.Context) error, func(), error) {
	switch cfg.Type {
	case config.StorageMemory:
		storage := memorystorage.New(memorystorage.WithSweepInterval(cfg.Memory.SweepInterval))
		return storage, storage.Run, storage.Stop, nil
	case config.StorageRedis:
		redisCfg := redisstorage.Config{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}
		storage, err := redisstorage.New(redisCfg, redisstorage.WithLogger(lg), redisstorage.WithObserver(observer))
		if err != nil {
			return nil, nil, nil, err
		}
		return storage, nil, func() {
			if err := storage.Close(); err != nil {
				lg.Warn("failed to close redis storage", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: %s", config.ErrUnsupportedStorage, cfg.Type)
	}
}
