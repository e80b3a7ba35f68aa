package commands

import (
	"context"
	"log/slog"

	"github.com/ah2048/electron-updater/internal/config"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/updater"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one update check cycle",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Headless host: log where a reload would navigate.
	host := updater.HostFunc(func(path string) error {
		slog.Info("host_reload", "path", path)
		return nil
	})

	up := updater.New(cfg, host)
	if err := up.Initialize(ctx); err != nil {
		return errors.Wrap(err, "updater init failed")
	}
	defer up.Shutdown()

	resp, err := up.CheckForUpdates(ctx)
	if err != nil {
		return errors.Wrap(err, "update check failed")
	}

	slog.Info("check_complete",
		"version", resp.Version,
		"breaking", resp.Breaking,
		"current_bundle", up.Registry().Current().ID)
	return nil
}
