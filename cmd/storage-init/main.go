package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"taskboard/config"
	"taskboard/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.WithField("mode", cfg.Storage.Mode).Info("storage init starting")

	ctx := context.Background()
	switch cfg.Storage.Mode {
	case config.ModeTables:
		if err := createTable(ctx, cfg.Storage.ConnectionString, cfg.Storage.TasksTable); err != nil {
			log.Fatalf("create table: %v", err)
		}
		if err := createQueue(ctx, cfg.Storage.ConnectionString, cfg.Storage.CommandQueue); err != nil {
			log.Fatalf("create queue: %v", err)
		}
	case config.ModeSQLite:
		// opening bootstraps the schema
		db, err := storage.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Fatalf("sqlite close: %v", err)
		}
	default:
		log.Info("nothing to provision")
		return
	}

	log.Info("storage init complete")
}

func createTable(ctx context.Context, connStr, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table already exists")
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
		log.WithField("queue", name).Debug("queue already exists")
	}
	return nil
}
