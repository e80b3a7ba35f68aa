package download

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/ah2048/electron-updater/pkg/api"
	"github.com/ah2048/electron-updater/pkg/bundle"
	"github.com/ah2048/electron-updater/pkg/crypto"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/store"
	"github.com/superfly/fsm"
)

// Downloader runs bundle downloads through the durable FSM manager.
// Concurrent downloads generate distinct ids and proceed independently.
type Downloader struct {
	manager *fsm.Manager
	machine *Machine
	start   fsm.Start[DownloadRequest, DownloadResult]
	st      *store.Store
	root    string
}

// New creates a Downloader. fsmDBPath is the durable workflow database,
// kept next to the storage file.
func New(ctx context.Context, st *store.Store, machine *Machine, fsmDBPath string) (*Downloader, error) {
	manager, err := fsm.New(fsm.Config{DBPath: fsmDBPath})
	if err != nil {
		return nil, errors.Wrap(err, "FSM manager failed")
	}

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		manager.Shutdown(time.Second)
		return nil, errors.Wrap(err, "FSM register failed")
	}

	return &Downloader{
		manager: manager,
		machine: machine,
		start:   start,
		st:      st,
		root:    machine.root,
	}, nil
}

// Close shuts the workflow manager down.
func (d *Downloader) Close() {
	d.manager.Shutdown(10 * time.Second)
}

// SetCacheRoot points the manifest delta pass at a known-good tree.
func (d *Downloader) SetCacheRoot(dir string) {
	d.machine.SetCacheRoot(dir)
}

// DownloadBundle runs the full pipeline and returns the finished bundle
// record. Any failure removes the bundle directory, deletes the registry
// record, and re-surfaces the error.
func (d *Downloader) DownloadBundle(ctx context.Context, url, version, checksum, sessionKey string, manifest []api.ManifestEntry) (*store.BundleInfo, error) {
	id := crypto.GenerateBundleID()
	slog.Info("download_bundle_start", "bundle_id", id, "version", version, "url", url, "manifest_entries", len(manifest))

	req := &DownloadRequest{
		BundleID:   id,
		URL:        url,
		Version:    version,
		Checksum:   checksum,
		SessionKey: sessionKey,
		Manifest:   manifest,
	}
	resp := &DownloadResult{}

	workflow, err := d.start(ctx, id, fsm.NewRequest(req, resp))
	if err != nil {
		d.cleanup(id)
		return nil, errors.Wrap(err, "FSM start failed")
	}

	if err := d.manager.Wait(ctx, workflow); err != nil {
		d.cleanup(id)
		return nil, errors.Wrap(err, "bundle download failed")
	}

	info := d.st.GetBundle(id)
	if info == nil {
		d.cleanup(id)
		return nil, errors.Wrap(errors.ErrNotFound, "bundle vanished after download")
	}
	return info, nil
}

// cleanup removes the bundle directory, its registry record, and its byte
// accounting after a failure.
func (d *Downloader) cleanup(id string) {
	d.machine.dropUsage(id)
	dir := bundle.Dir(d.root, id)
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("bundle_cleanup_failed", "bundle_id", id, "path", dir, "error", err)
	}
	if err := d.st.DeleteBundle(id); err != nil {
		slog.Warn("bundle_record_cleanup_failed", "bundle_id", id, "error", err)
	}
	slog.Info("bundle_cleaned_up", "bundle_id", id)
}
