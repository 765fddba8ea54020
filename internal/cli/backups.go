package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"study-sync-service/internal/app"
	"study-sync-service/internal/config"
	"study-sync-service/internal/logger"
)

// NewBackupsCmd groups maintenance commands for pre-sign-in backups.
func NewBackupsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Manage pre-sign-in backups",
	}
	cmd.AddCommand(newBackupsCleanupCmd(configPath))
	return cmd
}

func newBackupsCleanupCmd(configPath *string) *cobra.Command {
	var devices []string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired or unreadable backups of the given devices, or of every known device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("redis addr not configured; in-memory devices do not outlive the server")
			}
			log, err := logger.New(cfg.Log.Mode)
			if err != nil {
				return err
			}
			defer log.Sync()

			rt, err := buildRuntime(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			ids, err := cleanupTargets(cmd.Context(), rt.devices, devices)
			if err != nil {
				return err
			}
			for _, id := range ids {
				device := rt.devices.GetOrCreate(id)
				deleted := device.Preservation.CleanupOldBackups(cmd.Context())
				rt.devices.Delete(id)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d backups deleted\n", id, deleted)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&devices, "device", nil, "device id to sweep (repeatable); defaults to every device with a marker")
	return cmd
}

type deviceLister interface {
	Known(ctx context.Context) ([]string, error)
}

func cleanupTargets(ctx context.Context, repo app.DeviceRepository, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	lister, ok := repo.(deviceLister)
	if !ok {
		return nil, fmt.Errorf("device repository cannot list devices; pass --device")
	}
	return lister.Known(ctx)
}
