package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/config"
	"taskboard/storage"
	"taskboard/updater"
)

const idleDelay = time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.Storage.Mode != config.ModeTables {
		log.Fatalf("updater requires STORAGE_MODE=%s, got %q", config.ModeTables, cfg.Storage.Mode)
	}
	log.Info("command updater starting")

	redisOpts, err := cfg.Redis.RedisOptions()
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	logger := log.StandardLogger()
	notifier := storage.NewRedisNotifier(rc, cfg.Redis.UpdatesChannel, logger)
	tables, err := storage.NewTables(cfg.Storage.ConnectionString, cfg.Storage.TasksTable, cfg.Storage.CommandQueue, notifier)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	cache := storage.NewCache(tables, rc, cfg.Redis.CacheTTL.Duration)
	processor := updater.NewProcessor(tables, notifier, cache, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for ctx.Err() == nil {
		msg, err := tables.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("receive command")
			}
			sleep(ctx, idleDelay)
			continue
		}
		if msg == nil || msg.MessageText == nil {
			sleep(ctx, idleDelay)
			continue
		}

		err = processor.Handle(ctx, *msg.MessageText)
		switch {
		case err == nil:
		case errors.Is(err, updater.ErrMalformed):
			log.WithError(err).WithField("messageId", *msg.MessageID).Warn("dropping malformed command")
		default:
			// leave the message for redelivery once its visibility timeout expires
			log.WithError(err).WithField("messageId", *msg.MessageID).Error("apply command")
			continue
		}
		if err := tables.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
			log.WithError(err).WithField("messageId", *msg.MessageID).Error("delete command message")
		}
	}
	log.Info("command updater stopped")
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
