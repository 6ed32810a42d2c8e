package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hirewire/hiresync/backup"
	"github.com/hirewire/hiresync/internal/auth"
	"github.com/hirewire/hiresync/localstore"
	"github.com/hirewire/hiresync/syncer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("server", "", "backend base URL")
	runCmd.Flags().Duration("interval", 0, "foreground sync interval (default 5m)")
	runCmd.Flags().Duration("background-interval", 0, "background replay interval (default 15m)")

	viper.BindPFlag("server.url", runCmd.Flags().Lookup("server"))
	viper.BindPFlag("sync.interval", runCmd.Flags().Lookup("interval"))
	viper.BindPFlag("background.interval", runCmd.Flags().Lookup("background-interval"))
}

func run(parent context.Context) error {
	logger := newLogger()

	serverURL := viper.GetString("server.url")
	if serverURL == "" {
		return fmt.Errorf("server URL is required (--server, server.url, or HIRESYNC_SERVER_URL)")
	}
	secret := viper.GetString("auth.secret")
	if secret == "" {
		return fmt.Errorf("auth secret is required (auth.secret or HIRESYNC_AUTH_SECRET)")
	}
	userID := viper.GetString("auth.user")
	if userID == "" {
		return fmt.Errorf("auth user is required (auth.user or HIRESYNC_AUTH_USER)")
	}
	deviceID := viper.GetString("auth.device")
	if deviceID == "" {
		deviceID = "hiresyncd"
	}

	store, err := localstore.Open(viper.GetString("db.path"), logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backups := backup.NewService(store, viper.GetString("backup.path"), logger)

	// Repair obvious damage from a previous crash before syncing anything.
	report, repaired, err := backups.CheckAndRepair(ctx)
	if err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if !report.Healthy {
		logger.Warn("store integrity issues found", "issues", len(report.Issues), "repaired", repaired)
	}

	provider := auth.NewTokenProvider(secret, userID, deviceID, 0)
	transport := syncer.NewTransport(serverURL, provider.Token)

	engine := syncer.New(store, transport, syncer.Options{
		Logger:       logger,
		SyncInterval: durationOr("sync.interval", syncer.DefaultSyncInterval),
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Stop()

	bg := syncer.NewBackground(store, transport, syncer.BackgroundOptions{
		Logger:   logger,
		Interval: durationOr("background.interval", 15*time.Minute),
	})
	bgDone := make(chan struct{})
	go func() {
		defer close(bgDone)
		_ = bg.Run(ctx)
	}()

	if viper.GetString("backup.path") != "" {
		go func() {
			_ = backups.RunAutoBackup(ctx, durationOr("backup.interval", backup.DefaultAutoBackupInterval))
		}()
	}

	logger.Info("daemon started", "server", serverURL, "db", viper.GetString("db.path"))
	<-ctx.Done()
	logger.Info("shutting down")
	<-bgDone
	return nil
}
