package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ah2048/electron-updater/pkg/bundle"
	"github.com/ah2048/electron-updater/pkg/crypto"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/store"
	"github.com/superfly/fsm"
)

func (m *Machine) checkRetries(ctx context.Context, bundleID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "bundle_id", bundleID, "max_retries", m.maxRetries)
		return fmt.Errorf("max retries (%d) exceeded", m.maxRetries)
	}
	return nil
}

// handleRegister creates the bundle directory and the downloading record.
func (m *Machine) handleRegister(ctx context.Context, req *fsm.Request[DownloadRequest, DownloadResult]) (*fsm.Response[DownloadResult], error) {
	slog.Info("fsm_state_register", "bundle_id", req.Msg.BundleID, "version", req.Msg.Version)

	if err := m.checkRetries(ctx, req.Msg.BundleID); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &DownloadResult{}
	}

	dir := bundle.Dir(m.root, req.Msg.BundleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("bundle_dir_creation_failed", "path", dir, "error", err)
		return nil, errors.Wrap(err, "failed to create bundle dir")
	}

	info := &store.BundleInfo{
		ID:         req.Msg.BundleID,
		Version:    req.Msg.Version,
		Downloaded: time.Now().UTC().Format(time.RFC3339),
		Status:     store.StatusDownloading,
	}
	if err := m.st.SetBundle(info); err != nil {
		slog.Error("bundle_register_failed", "bundle_id", req.Msg.BundleID, "error", err)
		return nil, errors.Wrap(err, "failed to register bundle")
	}

	m.emitProgress(0)
	return fsm.NewResponse(resp), nil
}

// handleFetch downloads the bundle archive. Manifest-only updates carry no
// archive URL and skip straight through.
func (m *Machine) handleFetch(ctx context.Context, req *fsm.Request[DownloadRequest, DownloadResult]) (*fsm.Response[DownloadResult], error) {
	slog.Info("fsm_state_fetch", "bundle_id", req.Msg.BundleID, "url", req.Msg.URL)

	if err := m.checkRetries(ctx, req.Msg.BundleID); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if req.Msg.URL == "" {
		if len(req.Msg.Manifest) == 0 {
			return nil, fsm.Abort(fmt.Errorf("no archive url and no manifest"))
		}
		slog.Info("fetch_skipped_manifest_only", "bundle_id", req.Msg.BundleID)
		return fsm.NewResponse(resp), nil
	}

	zipPath := bundle.ZipPath(m.root, req.Msg.BundleID)
	// The archive transfer owns the 0-30 band; scale by Content-Length
	// when the server announces one.
	size, err := m.client.FetchToFile(ctx, req.Msg.URL, zipPath, func(written, total int64) {
		if total > 0 {
			m.emitProgress(int(written * 30 / total))
		}
	})
	if err != nil {
		slog.Error("bundle_fetch_failed", "bundle_id", req.Msg.BundleID, "url", req.Msg.URL, "error", err)
		return nil, errors.Wrap(err, "failed to fetch bundle")
	}

	slog.Info("bundle_fetch_complete", "bundle_id", req.Msg.BundleID, "size", size)
	resp.ZipPath = zipPath
	resp.Size = size
	m.emitProgress(30)
	return fsm.NewResponse(resp), nil
}

// handleVerify resolves the expected checksum and verifies the archive.
// A session-key-encrypted checksum field is decrypted when possible; on
// decrypt failure the raw field is used verbatim.
func (m *Machine) handleVerify(ctx context.Context, req *fsm.Request[DownloadRequest, DownloadResult]) (*fsm.Response[DownloadResult], error) {
	slog.Info("fsm_state_verify", "bundle_id", req.Msg.BundleID)

	if err := m.checkRetries(ctx, req.Msg.BundleID); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.ZipPath == "" {
		return fsm.NewResponse(resp), nil
	}

	if err := m.validator.ValidateFileSize(resp.Size); err != nil {
		slog.Error("bundle_size_rejected", "bundle_id", req.Msg.BundleID, "size", resp.Size, "error", err)
		return nil, fsm.Abort(err)
	}

	expected := req.Msg.Checksum
	if expected != "" && req.Msg.SessionKey != "" {
		if dec := m.crypt.DecryptChecksum(expected, req.Msg.SessionKey); dec != "" {
			expected = dec
		}
	}

	if expected != "" {
		ok, err := crypto.VerifyFile(resp.ZipPath, expected)
		if err != nil {
			return nil, errors.Wrap(err, "failed to verify bundle")
		}
		if !ok {
			slog.Error("bundle_checksum_mismatch", "bundle_id", req.Msg.BundleID, "expected", expected)
			return nil, fsm.Abort(errors.Wrap(errors.ErrChecksumFailed, "bundle archive"))
		}
		resp.Checksum = expected
	} else {
		digest, err := crypto.HashFile(resp.ZipPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to hash bundle")
		}
		resp.Checksum = digest
	}

	slog.Info("bundle_verified", "bundle_id", req.Msg.BundleID, "checksum", resp.Checksum)
	m.emitProgress(40)
	return fsm.NewResponse(resp), nil
}

// handleDecrypt decrypts the archive in place when a session key is present.
func (m *Machine) handleDecrypt(ctx context.Context, req *fsm.Request[DownloadRequest, DownloadResult]) (*fsm.Response[DownloadResult], error) {
	slog.Info("fsm_state_decrypt", "bundle_id", req.Msg.BundleID, "encrypted", req.Msg.SessionKey != "")

	if err := m.checkRetries(ctx, req.Msg.BundleID); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if req.Msg.SessionKey == "" || resp.ZipPath == "" {
		return fsm.NewResponse(resp), nil
	}

	if err := m.crypt.DecryptFile(resp.ZipPath, req.Msg.SessionKey); err != nil {
		slog.Error("bundle_decrypt_failed", "bundle_id", req.Msg.BundleID, "error", err)
		return nil, fsm.Abort(errors.Wrap(errors.ErrDecryptionFailed, err.Error()))
	}

	m.emitProgress(50)
	return fsm.NewResponse(resp), nil
}

// handleExtract unpacks the archive into the bundle's www directory with
// path-safety enforcement, then deletes the archive.
func (m *Machine) handleExtract(ctx context.Context, req *fsm.Request[DownloadRequest, DownloadResult]) (*fsm.Response[DownloadResult], error) {
	slog.Info("fsm_state_extract", "bundle_id", req.Msg.BundleID)

	if err := m.checkRetries(ctx, req.Msg.BundleID); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	wwwDir := bundle.WWWDir(m.root, req.Msg.BundleID)
	if err := os.MkdirAll(wwwDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create www dir")
	}
	resp.WWWPath = wwwDir

	usage := m.resetUsage(req.Msg.BundleID)
	if resp.ZipPath == "" {
		return fsm.NewResponse(resp), nil
	}

	if err := ExtractZip(resp.ZipPath, wwwDir, m.validator, usage); err != nil {
		slog.Error("bundle_extract_failed", "bundle_id", req.Msg.BundleID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "zip extraction failed"))
	}

	if err := os.Remove(resp.ZipPath); err != nil {
		slog.Warn("zip_cleanup_failed", "path", resp.ZipPath, "error", err)
	}
	resp.ZipPath = ""

	slog.Info("bundle_extracted", "bundle_id", req.Msg.BundleID, "www_dir", wwwDir)
	m.emitProgress(70)
	return fsm.NewResponse(resp), nil
}

// handleManifest performs the per-file delta pass.
func (m *Machine) handleManifest(ctx context.Context, req *fsm.Request[DownloadRequest, DownloadResult]) (*fsm.Response[DownloadResult], error) {
	slog.Info("fsm_state_manifest", "bundle_id", req.Msg.BundleID, "entry_count", len(req.Msg.Manifest))

	if err := m.checkRetries(ctx, req.Msg.BundleID); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if len(req.Msg.Manifest) == 0 {
		return fsm.NewResponse(resp), nil
	}

	if err := m.applyManifest(ctx, req.Msg, resp); err != nil {
		slog.Error("manifest_pass_failed", "bundle_id", req.Msg.BundleID, "error", err)
		if errors.Is(err, errors.ErrHashFailed) || errors.Is(err, errors.ErrZipSlip) {
			return nil, fsm.Abort(err)
		}
		return nil, err
	}

	slog.Info("manifest_pass_complete", "bundle_id", req.Msg.BundleID)
	return fsm.NewResponse(resp), nil
}

// handleFinalize checks the bundle entry file and marks the record success.
func (m *Machine) handleFinalize(ctx context.Context, req *fsm.Request[DownloadRequest, DownloadResult]) (*fsm.Response[DownloadResult], error) {
	slog.Info("fsm_state_finalize", "bundle_id", req.Msg.BundleID)

	if err := m.checkRetries(ctx, req.Msg.BundleID); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	indexPath := bundle.IndexPath(m.root, req.Msg.BundleID)
	if _, err := os.Stat(indexPath); err != nil {
		slog.Error("bundle_index_missing", "bundle_id", req.Msg.BundleID, "path", indexPath)
		return nil, fsm.Abort(fmt.Errorf("bundle has no readable %s", bundle.IndexFileName))
	}

	info := &store.BundleInfo{
		ID:         req.Msg.BundleID,
		Version:    req.Msg.Version,
		Downloaded: time.Now().UTC().Format(time.RFC3339),
		Checksum:   resp.Checksum,
		Status:     store.StatusSuccess,
	}
	if err := m.st.SetBundle(info); err != nil {
		return nil, errors.Wrap(err, "failed to finalize bundle")
	}
	resp.Status = string(store.StatusSuccess)
	m.dropUsage(req.Msg.BundleID)

	slog.Info("bundle_download_complete", "bundle_id", req.Msg.BundleID, "version", req.Msg.Version)
	m.emitProgress(100)
	return fsm.NewResponse(resp), nil
}
