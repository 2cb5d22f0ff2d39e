package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/pickupbot/internal/config"
	"github.com/basket/pickupbot/internal/persistence"
)

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [dest]",
		Short: "Write a consistent copy of the database",
		Long: `Copies the live database with VACUUM INTO. It is safe while the daemon runs.
Without dest the copy goes to <home>/backups/pickupbot-<timestamp>.db.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			dest := ""
			if len(args) == 1 {
				dest = args[0]
			}
			return runBackup(cmd.Context(), cfg, cmd.OutOrStdout(), dest, time.Now())
		},
	}
}

func runBackup(ctx context.Context, cfg config.Config, w io.Writer, dest string, now time.Time) error {
	if dest == "" {
		dest = filepath.Join(cfg.HomeDir, "backups", "pickupbot-"+now.UTC().Format("20060102-150405")+".db")
	}
	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if err := store.Backup(ctx, dest); err != nil {
		return err
	}
	fmt.Fprintf(w, "Backup written to %s\n", dest)
	return nil
}
