package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/redirects/internal/config"
	"github.com/liamcoop/redirects/internal/logger"
	"github.com/liamcoop/redirects/invalidation"
	"github.com/liamcoop/redirects/redirects"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", "error", err)
	}

	if err := run(cfg); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.MigrateOnStart {
		if err := redirects.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	ttl, err := cfg.CacheTTL()
	if err != nil {
		return err
	}

	store := redirects.NewPostgresRuleStore(db)
	cache := redirects.NewRuleCache(store, redirects.CacheConfig{TTL: ttl})

	bus, err := newBus(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer bus.Close()

	if err := invalidation.Listen(ctx, bus, cache); err != nil {
		return fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}

	// Warm up; a failure here is retried by the first lookup
	if err := cache.Rebuild(ctx); err != nil {
		logger.Warn("initial cache load failed", "error", err)
	}

	service := redirects.NewService(store, cache, bus)
	resolver := redirects.NewResolver(cache, redirects.ResolverOptions{
		TrustForwardedHeaders: cfg.Server.TrustForwardedHeaders,
	})
	server := NewServer(db, cache, service, resolver, cfg.Server.AdminToken)

	redirectServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.RedirectHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	adminServer := &http.Server{
		Addr:         cfg.Server.AdminAddr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.Info("listener starting", "name", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serve("redirect", redirectServer)
	go serve("admin", adminServer)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("listener failed", "error", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{redirectServer, adminServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	logger.Info("server stopped")
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown error: %v\n", err)
	}
	return nil
}

func newBus(ctx context.Context, cfg *config.Config, db *sql.DB) (invalidation.Bus, error) {
	channel := cfg.Invalidation.Channel

	switch cfg.Invalidation.Backend {
	case config.BackendMemory:
		logger.Warn("using in-process invalidation; other nodes will not be notified")
		return invalidation.NewMemoryBus(), nil

	case config.BackendRedis:
		bus, err := invalidation.NewRedisBus(ctx, cfg.Redis.URL, channel)
		if err != nil {
			return nil, err
		}
		return bus, nil

	case config.BackendValkey:
		bus, err := invalidation.NewValkeyBus(ctx, invalidation.ValkeyOptions{
			Address:  cfg.Valkey.Address,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			Channel:  channel,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil

	default:
		return invalidation.NewPostgresBus(db, cfg.DatabaseURL, channel), nil
	}
}
