// Package app wires configuration, storage, the limiter, and the HTTP
// server into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/httplog/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/linklab/linklab/internal/cache"
	"github.com/linklab/linklab/internal/config"
	dbpostgres "github.com/linklab/linklab/internal/database/postgres"
	"github.com/linklab/linklab/internal/metrics"
	"github.com/linklab/linklab/internal/ratelimit"
	"github.com/linklab/linklab/internal/service"
	"github.com/linklab/linklab/internal/testgen"
	"github.com/linklab/linklab/pkg/postgres"

	myhttp "github.com/linklab/linklab/internal/api/http"
)

// cleanupInterval is how often expired URLs are swept from the database.
const cleanupInterval = time.Hour

func Run(ctx context.Context, cfg *config.Config) error {
	const op = "app.Run"

	logger := httplog.NewLogger("linklab", httplog.Options{
		JSON:    cfg.Env == config.EnvProd,
		Concise: cfg.Env != config.EnvProd,
	})

	db, err := postgres.New(
		ctx,
		cfg.Postgres.DSN(),
		postgres.WithConnMaxIdleTime(cfg.Postgres.ConnMaxIdleTime),
		postgres.WithConnMaxLifetime(cfg.Postgres.ConnMaxLifetime),
		postgres.WithMaxIdleConns(cfg.Postgres.MaxIdleConns),
		postgres.WithMaxOpenConns(cfg.Postgres.MaxOpenConns),
	)
	if err != nil {
		return fmt.Errorf("%s: failed to connect to database: %w", op, err)
	}
	defer db.Close()

	if err := postgres.RunMigrations("file://migrations", cfg.Postgres.DSN()); err != nil {
		return fmt.Errorf("%s: failed to run migrations: %w", op, err)
	}

	var (
		limiterStore ratelimit.Store
		linkCache    service.LinkCache
	)

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("%s: failed to connect to redis: %w", op, err)
		}

		limiterStore = ratelimit.NewRedisStore(client)
		linkCache = cache.New(client, cfg.Redis.CacheTTL)
	} else {
		store := ratelimit.NewMemoryStore()
		store.StartJanitor(ctx)
		limiterStore = store
	}

	limiter := ratelimit.New(ratelimit.Policy{
		MaxAttempts:   cfg.RateLimit.MaxAttempts,
		Window:        cfg.RateLimit.Window,
		BlockDuration: cfg.RateLimit.BlockDuration,
	}, limiterStore)

	urlRepo := dbpostgres.NewURLRepository(db)
	urlSvc := service.NewURLService(urlRepo, linkCache, logger.Logger, cfg.ShortCodeLength)

	gen := testgen.NewClient(
		cfg.TestGen.BaseURL,
		cfg.TestGen.Model,
		cfg.TestGen.APIKey,
		cfg.TestGen.MaxRetries,
		cfg.TestGen.Timeout,
	)

	server := &http.Server{
		Addr:           cfg.HTTPServer.Addr(),
		Handler:        myhttp.NewRouter(logger, urlSvc, limiter, gen),
		ReadTimeout:    cfg.HTTPServer.ReadTimeout,
		WriteTimeout:   cfg.HTTPServer.WriteTimeout,
		IdleTimeout:    cfg.HTTPServer.IdleTimeout,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		switch cfg.Env {
		case config.EnvProd:
			err = server.ListenAndServeTLS(cfg.HTTPServer.CertFile, cfg.HTTPServer.KeyFile)
		default:
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: server error occurred: %w", op, err)
		}

		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				deleted, err := urlSvc.CleanupExpired(ctx)
				if err != nil {
					logger.Error("expired url sweep failed", "err", err)
					continue
				}

				metrics.ExpiredURLsSweptTotal.Add(float64(deleted))

				if deleted > 0 {
					logger.Info("swept expired urls", "deleted", deleted)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()

		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("%s: failed to shutdown server: %w", op, err)
		}

		return nil
	})

	return g.Wait()
}
