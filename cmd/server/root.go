package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haatos/simple-dispatch/internal"
	"github.com/haatos/simple-dispatch/internal/logging"
	"github.com/haatos/simple-dispatch/internal/settings"
	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Work dispatch server for CI/CD agents",
		Long:          "dispatchd registers build and deploy agents, queues pipeline and release\nexecutions for them and tracks every execution through to completion.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := settings.ReadDotenv(envFile); err != nil {
				return fmt.Errorf("error reading %s: %w", envFile, err)
			}
			settings.Settings = settings.NewSettings()
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", internal.DotEnvPath, "dotenv file to load")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newImportCmd(),
	)
	return cmd
}

// app holds what every subcommand needs: settings, configuration, logger
// and the read and write database pools.
type app struct {
	settings *settings.AppSettings
	config   *internal.Configuration
	logger   *zap.Logger
	rdb      *sql.DB
	rwdb     *sql.DB
}

func newApp(ctx context.Context, s *settings.AppSettings) (*app, error) {
	logger, err := logging.NewLogger(logging.Options{
		Level:  s.LogLevel,
		Format: s.LogFormat,
		File:   s.LogFile,
	})
	if err != nil {
		return nil, err
	}
	config, err := internal.InitializeConfiguration(s.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration %s: %w", s.ConfigPath, err)
	}

	rwdb, err := store.InitDatabase(s, false)
	if err != nil {
		return nil, err
	}
	if err := store.RunMigrations(ctx, rwdb, s.DBDriver, logger); err != nil {
		rwdb.Close()
		return nil, err
	}
	rdb, err := store.InitDatabase(s, true)
	if err != nil {
		rwdb.Close()
		return nil, err
	}

	logger.Info("database ready", zap.String("driver", s.DBDriver))
	return &app{
		settings: s,
		config:   config,
		logger:   logger,
		rdb:      rdb,
		rwdb:     rwdb,
	}, nil
}

func (a *app) Close() error {
	err := errors.Join(a.rdb.Close(), a.rwdb.Close())
	_ = a.logger.Sync()
	return err
}
