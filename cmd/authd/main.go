// Command authd serves the authcore JSON API.
//
// Configuration comes from an optional YAML file (-config), .env and the
// environment; see internal/appconfig. With dev: true it needs neither
// Postgres nor Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/serplantas/authcore"
	"github.com/serplantas/authcore/internal/appconfig"
	"github.com/serplantas/authcore/internal/httpapi"
	"github.com/serplantas/authcore/metrics/export/prometheus"
	"github.com/serplantas/authcore/store"
	"github.com/serplantas/authcore/store/memory"
	"github.com/serplantas/authcore/store/postgres"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("authd stopped", zap.Error(err))
	}
}

func newLogger(cfg appconfig.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg *appconfig.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	rdb, closeRedis, err := openRedis(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	users, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	builder := authcore.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithStore(users).
		WithLogger(logger)
	if engineCfg.Audit.Enabled {
		builder = builder.WithAuditSink(authcore.NewZapSink(logger.Named("audit")))
	}
	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	go pruneEnrollments(ctx, engine, cfg.PruneInterval, logger)

	srv := &http.Server{
		Addr: cfg.ListenAddr(),
		Handler: httpapi.NewRouter(engine, httpapi.Options{
			Logger:        logger.Named("http"),
			SecureCookies: cfg.HTTP.SecureCookies,
			Metrics:       prometheus.NewExporter(engine).Handler(),
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.Bool("dev", cfg.Dev))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openRedis(cfg *appconfig.Config, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if cfg.Dev {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		logger.Warn("dev mode: using in-process redis", zap.String("addr", mr.Addr()))
		return rdb, func() {
			_ = rdb.Close()
			mr.Close()
		}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return rdb, func() { _ = rdb.Close() }, nil
}

func openStore(ctx context.Context, cfg *appconfig.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.Dev {
		logger.Warn("dev mode: users are kept in memory")
		return memory.New(), func() {}, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := postgres.Open(openCtx, cfg.PostgresDSN())
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if cfg.Database.Migrate {
		if err := postgres.Migrate(openCtx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("database migrated")
	}
	return postgres.New(db), func() { _ = db.Close() }, nil
}

func pruneEnrollments(ctx context.Context, engine *authcore.Engine, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.PruneExpiredEnrollments(ctx)
			if err != nil {
				logger.Warn("prune enrollments failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned stale totp enrollments", zap.Int64("count", n))
			}
		}
	}
}
