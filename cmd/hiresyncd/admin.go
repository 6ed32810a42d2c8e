package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hirewire/hiresync/backup"
	"github.com/hirewire/hiresync/localstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store row counts and queue state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(store *localstore.Store) error {
			ctx := cmd.Context()
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			counts, err := store.QueueCounts(ctx)
			if err != nil {
				return err
			}
			conflicts, err := store.ListConflicts(ctx)
			if err != nil {
				return err
			}
			out := struct {
				Stats     *localstore.Stats       `json:"stats"`
				Queue     *localstore.QueueCounts `json:"queue"`
				Conflicts int                     `json:"conflicts"`
			}{stats, counts, len(conflicts)}
			return printJSON(out)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write a full store snapshot to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *localstore.Store) error {
			svc := backup.NewService(store, "", quietLogger())
			data, err := svc.ExportJSON(cmd.Context())
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return err
			}
			fmt.Printf("exported snapshot to %s (%d bytes)\n", args[0], len(data))
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the entire store from a snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *localstore.Store) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			svc := backup.NewService(store, "", quietLogger())
			if err := svc.ImportJSON(cmd.Context(), data); err != nil {
				return err
			}
			fmt.Printf("imported snapshot from %s\n", args[0])
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the store integrity check",
	RunE: func(cmd *cobra.Command, _ []string) error {
		repair, _ := cmd.Flags().GetBool("repair")
		return withStore(func(store *localstore.Store) error {
			svc := backup.NewService(store, "", quietLogger())
			var report *backup.IntegrityReport
			var err error
			if repair {
				report, err = svc.Repair(cmd.Context())
			} else {
				report, err = svc.CheckIntegrity(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [item-id]",
	Short: "Retry failed queue items (all when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *localstore.Store) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				return store.RetryFailed(ctx, args[0])
			}
			items, err := store.FailedItems(ctx)
			if err != nil {
				return err
			}
			for _, item := range items {
				if err := store.RetryFailed(ctx, item.ID); err != nil {
					return err
				}
			}
			fmt.Printf("reset %d failed items\n", len(items))
			return nil
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <item-id>",
	Short: "Discard a failed queue item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *localstore.Store) error {
			return store.DiscardFailed(cmd.Context(), args[0])
		})
	},
}

func init() {
	checkCmd.Flags().Bool("repair", false, "delete orphaned/corrupted rows and reset stale queue items")

	rootCmd.AddCommand(statusCmd, exportCmd, importCmd, checkCmd, retryCmd, discardCmd)
}

func withStore(fn func(*localstore.Store) error) error {
	store, err := localstore.Open(viper.GetString("db.path"), quietLogger())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// quietLogger keeps admin command output clean; warnings still surface.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
