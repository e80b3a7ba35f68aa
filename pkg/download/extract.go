package download

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ah2048/electron-updater/pkg/crypto"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/security"
)

// ExtractZip extracts a bundle archive into destDir with path-safety and
// size-limit validation. Every entry name is validated before any of its
// bytes are written; usage accumulates the extracted total for this one
// download. Symlinks and other special entries are not extracted.
func ExtractZip(zipPath, destDir string, validator *security.Validator, usage *security.Usage) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return errors.Wrap(err, "failed to open zip")
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := validator.ResolveWithin(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrap(err, "failed to create directory")
			}
			continue
		}
		if !f.FileInfo().Mode().IsRegular() {
			slog.Warn("zip_entry_skipped", "name", f.Name, "mode", f.FileInfo().Mode().String())
			continue
		}

		if err := validator.ValidateFileSize(int64(f.UncompressedSize64)); err != nil {
			return err
		}
		if err := usage.Add(int64(f.UncompressedSize64)); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrap(err, "failed to create parent dir")
		}

		rc, err := f.Open()
		if err != nil {
			return errors.Wrap(err, "failed to open zip entry")
		}

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return errors.Wrap(err, "failed to create file")
		}

		// Cap the copy just past the declared size, then insist the
		// entry matches its header: a lying header must fail, not
		// silently truncate.
		written, err := io.Copy(out, io.LimitReader(rc, int64(f.UncompressedSize64)+1))
		rc.Close()
		out.Close()
		if err != nil {
			return errors.Wrap(err, "failed to write file")
		}
		if written != int64(f.UncompressedSize64) {
			slog.Error("zip_entry_size_mismatch", "name", f.Name,
				"declared", f.UncompressedSize64, "actual", written)
			return fmt.Errorf("entry %s: size %d does not match declared %d",
				f.Name, written, f.UncompressedSize64)
		}
	}

	fi, err := os.Stat(zipPath)
	if err != nil {
		return errors.Wrap(err, "failed to stat zip")
	}
	return validator.ValidateCompressionRatio(fi.Size(), usage.Total())
}

// applyManifest runs the delta pass: for each entry, reuse an existing file
// whose hash matches, copy from the known-good cache tree, or fetch.
func (m *Machine) applyManifest(ctx context.Context, msg *DownloadRequest, resp *DownloadResult) error {
	wwwDir := resp.WWWPath
	total := len(msg.Manifest)

	for i, entry := range msg.Manifest {
		target, err := m.validator.ResolveWithin(wwwDir, entry.FileName)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrap(err, "failed to create parent dir")
		}

		if fileMatches(target, entry.FileHash) {
			slog.Info("manifest_cache_hit", "file", entry.FileName)
			m.emitProgress(70 + (i+1)*30/total)
			continue
		}

		if m.cacheRoot != "" && entry.FileHash != "" {
			cached, err := m.validator.ResolveWithin(m.cacheRoot, entry.FileName)
			if err == nil && fileMatches(cached, entry.FileHash) {
				if err := copyFile(cached, target); err == nil {
					slog.Info("manifest_cache_copy", "file", entry.FileName)
					m.emitProgress(70 + (i+1)*30/total)
					continue
				}
			}
		}

		data, err := m.client.FetchBytes(ctx, entry.DownloadURL)
		if err != nil {
			return errors.Wrap(err, "failed to fetch manifest entry")
		}
		data = crypto.TryDecompressBrotli(data)

		if err := m.usageFor(msg.BundleID).Add(int64(len(data))); err != nil {
			return err
		}

		if entry.FileHash != "" && crypto.HashBytes(data) != entry.FileHash {
			slog.Error("manifest_hash_mismatch", "file", entry.FileName, "expected", entry.FileHash)
			return errors.Wrap(errors.ErrHashFailed, entry.FileName)
		}

		if err := writeFileAtomic(target, data); err != nil {
			return errors.Wrap(err, "failed to write manifest entry")
		}

		slog.Info("manifest_entry_fetched", "file", entry.FileName, "size", len(data))
		m.emitProgress(70 + (i+1)*30/total)
	}
	return nil
}

// fileMatches reports whether path exists and, when hash is non-empty,
// whether its digest matches.
func fileMatches(path, hash string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if hash == "" {
		return true
	}
	actual, err := crypto.HashFile(path)
	if err != nil {
		return false
	}
	return actual == hash
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
