// Package bundle implements the bundle lifecycle engine: selection of the
// current, next, and fallback bundles, promotion and rollback, and pruning
// of failed and previous bundles. All state changes go through the store,
// which is saved before an operation is considered complete.
package bundle

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/store"
)

// Registry governs bundle lifecycle state.
type Registry struct {
	st                     *store.Store
	root                   string
	builtinPath            string
	autoDeleteFailed       bool
	autoDeletePrevious     bool
	allowManualBundleError bool
}

// Options configures a Registry.
type Options struct {
	BuiltinPath            string
	AutoDeleteFailed       bool
	AutoDeletePrevious     bool
	AllowManualBundleError bool
}

// NewRegistry creates a registry over the given store and bundles root.
func NewRegistry(st *store.Store, root string, opts Options) *Registry {
	return &Registry{
		st:                     st,
		root:                   root,
		builtinPath:            opts.BuiltinPath,
		autoDeleteFailed:       opts.AutoDeleteFailed,
		autoDeletePrevious:     opts.AutoDeletePrevious,
		allowManualBundleError: opts.AllowManualBundleError,
	}
}

// Root returns the bundles root directory.
func (r *Registry) Root() string {
	return r.root
}

// Builtin returns the immutable descriptor of the shipped bundle.
func (r *Registry) Builtin() *store.BundleInfo {
	return &store.BundleInfo{
		ID:      store.BuiltinBundleID,
		Version: "",
		Status:  store.StatusSuccess,
	}
}

// Current returns the bundle the next reload loads: the record referenced
// by the current pointer, else the builtin descriptor.
func (r *Registry) Current() *store.BundleInfo {
	id := r.st.CurrentBundleID()
	if id == "" || id == store.BuiltinBundleID {
		return r.Builtin()
	}
	if b := r.st.GetBundle(id); b != nil {
		return b
	}
	return r.Builtin()
}

// List returns all known bundles. When excludeBuiltin is set the builtin
// descriptor is filtered out.
func (r *Registry) List(excludeBuiltin bool) []*store.BundleInfo {
	bundles := r.st.ListBundles()
	if excludeBuiltin {
		return bundles
	}
	return append([]*store.BundleInfo{r.Builtin()}, bundles...)
}

// Get returns the record for id, the builtin descriptor for the reserved
// id, or ErrNotFound.
func (r *Registry) Get(id string) (*store.BundleInfo, error) {
	if id == store.BuiltinBundleID {
		return r.Builtin(), nil
	}
	b := r.st.GetBundle(id)
	if b == nil {
		return nil, errors.Wrap(errors.ErrNotFound, id)
	}
	return b, nil
}

// GetNextBundle returns the staged next bundle, or nil.
func (r *Registry) GetNextBundle() *store.BundleInfo {
	id := r.st.NextBundleID()
	if id == "" {
		return nil
	}
	return r.st.GetBundle(id)
}

// Next stages a success bundle to become current on the next gate-open
// apply. The bundle moves to pending. The currently running bundle cannot
// be staged: the current pointer must keep referring to a ready bundle.
func (r *Registry) Next(id string) error {
	if id == r.st.CurrentBundleID() {
		return errors.Wrap(errors.ErrNotAllowed, "bundle is already current")
	}
	b := r.st.GetBundle(id)
	if b == nil {
		return errors.Wrap(errors.ErrNotFound, id)
	}
	if b.Status != store.StatusSuccess {
		return fmt.Errorf("bundle %s is %s, expected %s", id, b.Status, store.StatusSuccess)
	}

	b.Status = store.StatusPending
	if err := r.st.SetBundle(b); err != nil {
		return err
	}
	if err := r.st.SetNextBundleID(id); err != nil {
		return err
	}
	slog.Info("bundle_staged_next", "bundle_id", id, "version", b.Version)
	return nil
}

// Set promotes a bundle to current. The previously current bundle is
// demoted to the fallback (rollback target). The caller arms the app-ready
// watchdog on the next reload.
func (r *Registry) Set(id string) error {
	if id == store.BuiltinBundleID {
		return r.Reset(true)
	}

	b := r.st.GetBundle(id)
	if b == nil {
		return errors.Wrap(errors.ErrNotFound, id)
	}
	if b.Status != store.StatusSuccess && b.Status != store.StatusPending {
		return fmt.Errorf("bundle %s is %s, cannot be set current", id, b.Status)
	}

	cur := r.st.CurrentBundleID()
	if cur != "" && cur != store.BuiltinBundleID && cur != id {
		if prev := r.st.GetBundle(cur); prev != nil && prev.Status == store.StatusSuccess {
			if err := r.st.SetFallbackBundleID(cur); err != nil {
				return err
			}
		}
	}

	if b.Status == store.StatusPending {
		b.Status = store.StatusSuccess
		if err := r.st.SetBundle(b); err != nil {
			return err
		}
	}
	if err := r.st.SetCurrentBundleID(id); err != nil {
		return err
	}
	// Promoting the staged bundle consumes the next pointer.
	if id == r.st.NextBundleID() {
		if err := r.st.SetNextBundleID(""); err != nil {
			return err
		}
	}

	slog.Info("bundle_set_current", "bundle_id", id, "version", b.Version, "fallback", r.st.FallbackBundleID())
	return nil
}

// ApplyPendingUpdate promotes the staged next bundle and clears the next
// pointer. Returns false when nothing is staged. The gate decision belongs
// to the caller.
func (r *Registry) ApplyPendingUpdate() (bool, error) {
	next := r.st.NextBundleID()
	if next == "" {
		return false, nil
	}
	if err := r.Set(next); err != nil {
		return false, err
	}
	if err := r.st.SetNextBundleID(""); err != nil {
		return false, err
	}
	slog.Info("pending_update_applied", "bundle_id", next)
	return true, nil
}

// MarkBundleSuccessful confirms the current bundle after app-ready. The
// demoted fallback is pruned when auto-delete-previous is on; the fallback
// pointer is always cleared.
func (r *Registry) MarkBundleSuccessful() error {
	fb := r.st.FallbackBundleID()
	// A fallback re-staged as the next bundle is kept.
	if fb != "" && fb != store.BuiltinBundleID && fb != r.st.NextBundleID() && r.autoDeletePrevious {
		if err := r.removeBundle(fb); err != nil {
			slog.Warn("fallback_prune_failed", "bundle_id", fb, "error", err)
		}
	}
	if err := r.st.SetFallbackBundleID(""); err != nil {
		return err
	}
	slog.Info("bundle_confirmed", "bundle_id", r.st.CurrentBundleID())
	return nil
}

// Rollback reverts to the last-known-good bundle after a failed reload.
// The current bundle is marked error and its files are removed; the
// fallback (or the builtin) becomes current. Returns the restored id.
func (r *Registry) Rollback() (string, error) {
	cur := r.st.CurrentBundleID()
	fb := r.st.FallbackBundleID()

	if cur != "" && cur != store.BuiltinBundleID {
		if b := r.st.GetBundle(cur); b != nil {
			b.Status = store.StatusError
			if err := r.st.SetBundle(b); err != nil {
				return "", err
			}
			if err := os.RemoveAll(Dir(r.root, cur)); err != nil {
				slog.Warn("rollback_file_cleanup_failed", "bundle_id", cur, "error", err)
			}
			if r.autoDeleteFailed {
				if err := r.st.DeleteBundle(cur); err != nil {
					return "", err
				}
			}
		}
	}

	restored := store.BuiltinBundleID
	if fb != "" && fb != store.BuiltinBundleID {
		if b := r.st.GetBundle(fb); b != nil && b.Status == store.StatusSuccess {
			restored = fb
		}
	}

	if restored == store.BuiltinBundleID {
		if err := r.st.SetCurrentBundleID(""); err != nil {
			return "", err
		}
	} else {
		if err := r.st.SetCurrentBundleID(restored); err != nil {
			return "", err
		}
	}
	if err := r.st.SetFallbackBundleID(""); err != nil {
		return "", err
	}

	slog.Info("bundle_rolled_back", "failed_bundle_id", cur, "restored_bundle_id", restored)
	return restored, nil
}

// DeleteBundle removes a bundle's files and record. The builtin, the
// current bundle, and the staged next bundle are refused.
func (r *Registry) DeleteBundle(id string) error {
	if id == store.BuiltinBundleID {
		return errors.Wrap(errors.ErrNotAllowed, "cannot delete builtin bundle")
	}
	if id == r.st.CurrentBundleID() {
		return errors.Wrap(errors.ErrNotAllowed, "cannot delete current bundle")
	}
	if id == r.st.NextBundleID() {
		return errors.Wrap(errors.ErrNotAllowed, "cannot delete staged next bundle")
	}
	if r.st.GetBundle(id) == nil {
		return errors.Wrap(errors.ErrNotFound, id)
	}
	return r.removeBundle(id)
}

// SetBundleError marks a bundle failed and schedules cleanup. Gated by the
// allow-manual-bundle-error configuration flag.
func (r *Registry) SetBundleError(id string) error {
	if !r.allowManualBundleError {
		return errors.Wrap(errors.ErrNotAllowed, "manual bundle error is disabled")
	}
	b := r.st.GetBundle(id)
	if b == nil {
		return errors.Wrap(errors.ErrNotFound, id)
	}

	if r.st.NextBundleID() == id {
		if err := r.st.SetNextBundleID(""); err != nil {
			return err
		}
	}

	b.Status = store.StatusError
	if err := r.st.SetBundle(b); err != nil {
		return err
	}
	if err := os.RemoveAll(Dir(r.root, id)); err != nil {
		slog.Warn("bundle_error_cleanup_failed", "bundle_id", id, "error", err)
	}
	if r.autoDeleteFailed {
		return r.st.DeleteBundle(id)
	}
	return nil
}

// Reset clears the staged next bundle and points current at the builtin,
// or at the most recently downloaded success bundle when toBuiltin is
// false and one exists.
func (r *Registry) Reset(toBuiltin bool) error {
	if err := r.st.SetNextBundleID(""); err != nil {
		return err
	}

	if !toBuiltin {
		if latest := r.latestSuccess(); latest != nil {
			if err := r.st.SetCurrentBundleID(latest.ID); err != nil {
				return err
			}
			slog.Info("registry_reset", "to", latest.ID)
			return nil
		}
	}

	if err := r.st.SetCurrentBundleID(""); err != nil {
		return err
	}
	slog.Info("registry_reset", "to", store.BuiltinBundleID)
	return nil
}

// CurrentBundlePath returns the path reload() loads: the bundle's
// www/index.html, or the externally supplied builtin path.
func (r *Registry) CurrentBundlePath() string {
	cur := r.Current()
	if cur.ID == store.BuiltinBundleID {
		return r.builtinPath
	}
	return IndexPath(r.root, cur.ID)
}

// latestSuccess returns the success bundle with the newest download
// timestamp, or nil.
func (r *Registry) latestSuccess() *store.BundleInfo {
	var latest *store.BundleInfo
	for _, b := range r.st.ListBundles() {
		if b.Status != store.StatusSuccess {
			continue
		}
		if latest == nil || b.Downloaded > latest.Downloaded {
			latest = b
		}
	}
	return latest
}

// removeBundle deletes a bundle's directory and registry record.
func (r *Registry) removeBundle(id string) error {
	if err := os.RemoveAll(Dir(r.root, id)); err != nil {
		return errors.Wrap(err, "failed to remove bundle files")
	}
	if err := r.st.DeleteBundle(id); err != nil {
		return err
	}
	slog.Info("bundle_removed", "bundle_id", id)
	return nil
}
