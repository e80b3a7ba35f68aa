package commands

import (
	"fmt"
	"path/filepath"

	"github.com/ah2048/electron-updater/internal/config"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/store"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all bundles and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	st := store.Open(filepath.Join(cfg.UserDataDir, store.StorageFileName))

	bundles := st.ListBundles()
	if len(bundles) == 0 {
		fmt.Println("No downloaded bundles")
	} else {
		fmt.Printf("%-38s %-14s %-20s %-22s\n", "BUNDLE ID", "STATUS", "VERSION", "DOWNLOADED")
		fmt.Println("------------------------------------------------------------------------------------------------")
		for _, b := range bundles {
			version := b.Version
			if version == "" {
				version = "-"
			}
			fmt.Printf("%-38s %-14s %-20s %-22s\n", b.ID, b.Status, version, b.Downloaded)
		}
	}

	printPointer := func(name, id, empty string) {
		if id == "" {
			id = empty
		}
		fmt.Printf("%-10s %s\n", name+":", id)
	}
	fmt.Println()
	printPointer("current", st.CurrentBundleID(), store.BuiltinBundleID)
	printPointer("next", st.NextBundleID(), "-")
	printPointer("fallback", st.FallbackBundleID(), "-")
	return nil
}
