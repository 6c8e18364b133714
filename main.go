package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/api"
	"taskboard/config"
	"taskboard/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.Redis.ConnectionString != "" {
		redisOpts, err := cfg.Redis.RedisOptions()
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(redisOpts)
		defer rc.Close()
	}

	store, closeStore, err := openStore(ctx, cfg, rc, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeStore()

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL.Duration)
	}

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding, "Idempotency-Key"},
	}))
	e.Use(middleware.Decompress())

	api.Register(e, store, auth, deduper, logger, api.Options{
		Location:        loc,
		MutationTimeout: cfg.MutationTimeout.Duration,
		StreamHeartbeat: cfg.StreamHeartbeat.Duration,
	})

	go func() {
		log.WithFields(log.Fields{"port": cfg.ListenPort, "storage": cfg.Storage.Mode}).Info("taskboard api starting")
		if err := e.Start(":" + cfg.ListenPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
	log.Info("taskboard api stopped")
}

func openStore(ctx context.Context, cfg config.Config, rc *redis.Client, logger *log.Logger) (api.Store, func(), error) {
	noop := func() {}
	switch cfg.Storage.Mode {
	case config.ModeSQLite:
		db, err := storage.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Warn("close sqlite")
			}
		}, nil
	case config.ModeTables:
		notifier := storage.NewRedisNotifier(rc, cfg.Redis.UpdatesChannel, logger)
		go notifier.Run(ctx)
		tables, err := storage.NewTables(cfg.Storage.ConnectionString, cfg.Storage.TasksTable, cfg.Storage.CommandQueue, notifier)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewCache(tables, rc, cfg.Redis.CacheTTL.Duration), noop, nil
	default:
		return storage.NewMemory(), noop, nil
	}
}

func newAuth(cfg config.AuthConfig) (*api.Auth, error) {
	if cfg.LocalSecret != "" {
		log.Warn("using HS256 local auth")
		return api.NewAuth(api.AuthOptions{Audience: cfg.Audience, LocalSecret: cfg.LocalSecret}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval: cfg.JWKSCacheTTL.Duration,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(api.AuthOptions{
		JWKS:        jwks,
		Audience:    cfg.Audience,
		Issuer:      "https://" + cfg.Domain + "/",
		KeyCacheTTL: cfg.JWKSCacheTTL.Duration,
	}), nil
}
