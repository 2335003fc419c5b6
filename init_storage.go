package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskhub/domain"
	"taskhub/feed"
	"taskhub/notify"
)

var storageCollections = []string{
	domain.TasksCollection,
	domain.NotificationsCollection,
	domain.UsersCollection,
	notify.PermissionsCollection,
}

func initStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the storage tables and alert queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.ConnectionString == "" {
				return errors.New("missing STORAGE_CONNECTION_STRING")
			}
			log.Info("storage init starting")
			ctx := cmd.Context()

			tables, err := feed.NewTablesBackend(cfg.Storage.ConnectionString, cfg.Storage.TablePrefix)
			if err != nil {
				return err
			}
			if err := tables.EnsureTables(ctx, storageCollections...); err != nil {
				return err
			}
			if err := createQueue(ctx, cfg.Storage.ConnectionString, cfg.Notify.AlertQueue); err != nil {
				return err
			}
			log.Info("storage init complete")
			return nil
		},
	}
}

func createQueue(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}
