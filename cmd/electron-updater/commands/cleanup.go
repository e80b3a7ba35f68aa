package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ah2048/electron-updater/internal/config"
	"github.com/ah2048/electron-updater/pkg/bundle"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/store"
	"github.com/spf13/cobra"
)

var (
	cleanupFailed   bool
	cleanupOrphaned bool
	cleanupBundle   string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up bundle resources",
	Long: `Clean up downloaded bundle resources:
  --failed            Remove bundles in error status
  --orphaned          Remove directories with no registry record
  --bundle <id>       Remove a specific bundle`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Remove failed bundles")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Remove orphaned bundle directories")
	cleanupCmd.Flags().StringVar(&cleanupBundle, "bundle", "", "Remove a specific bundle by id")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	st := store.Open(filepath.Join(cfg.UserDataDir, store.StorageFileName))
	root := bundle.Root(cfg.UserDataDir)
	registry := bundle.NewRegistry(st, root, bundle.Options{
		BuiltinPath:        cfg.BuiltinPath,
		AutoDeleteFailed:   cfg.AutoDeleteFailed,
		AutoDeletePrevious: cfg.AutoDeletePrevious,
	})

	switch {
	case cleanupBundle != "":
		if err := registry.DeleteBundle(cleanupBundle); err != nil {
			return errors.Wrap(err, "bundle cleanup failed")
		}
		fmt.Printf("Removed bundle %s\n", cleanupBundle)
		return nil

	case cleanupFailed:
		return cleanupFailedBundles(st, registry)

	case cleanupOrphaned:
		return cleanupOrphanedDirs(st, root)

	default:
		return fmt.Errorf("must specify --failed, --orphaned, or --bundle")
	}
}

func cleanupFailedBundles(st *store.Store, registry *bundle.Registry) error {
	removed := 0
	for _, b := range st.ListBundles() {
		if b.Status != store.StatusError {
			continue
		}
		if err := registry.DeleteBundle(b.ID); err != nil {
			fmt.Printf("Failed to remove %s: %v\n", b.ID, err)
			continue
		}
		removed++
	}
	fmt.Printf("Removed %d failed bundle(s)\n", removed)
	return nil
}

func cleanupOrphanedDirs(st *store.Store, root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No bundles directory")
			return nil
		}
		return errors.Wrap(err, "failed to read bundles root")
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if st.GetBundle(e.Name()) != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			fmt.Printf("Failed to remove %s: %v\n", e.Name(), err)
			continue
		}
		removed++
	}
	fmt.Printf("Removed %d orphaned director(ies)\n", removed)
	return nil
}
