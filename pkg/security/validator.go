// Package security provides path-safety and resource-limit validation for
// bundle extraction. Every archive entry and manifest file name is checked
// before any bytes are written.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ah2048/electron-updater/pkg/errors"
)

// Validator validates extraction paths and enforces size limits. It holds
// only the configured limits; per-download byte accounting lives in Usage
// so concurrent downloads never share a counter.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64
}

// NewValidator creates a validator with the given limits.
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Info("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidateEntryName rejects archive entry names that are absolute or contain
// a ".." path segment in their raw form. Enforcement happens before the
// entry's bytes are written.
func (v *Validator) ValidateEntryName(name string) error {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		slog.Error("security_entry_rejected", "name", name, "reason", "absolute_path")
		return errors.Wrap(errors.ErrZipSlip, fmt.Sprintf("absolute path not allowed: %s", name))
	}

	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			slog.Error("security_entry_rejected", "name", name, "reason", "parent_segment")
			return errors.Wrap(errors.ErrZipSlip, fmt.Sprintf("path traversal detected: %s", name))
		}
	}
	return nil
}

// ResolveWithin joins name onto root and verifies the canonical result stays
// inside root. Returns the safe target path.
func (v *Validator) ResolveWithin(root, name string) (string, error) {
	if err := v.ValidateEntryName(name); err != nil {
		return "", err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve extraction root")
	}
	target := filepath.Clean(filepath.Join(absRoot, name))
	if target != absRoot && !strings.HasPrefix(target, absRoot+string(filepath.Separator)) {
		slog.Error("security_entry_rejected", "name", name, "target", target, "reason", "escapes_root")
		return "", errors.Wrap(errors.ErrZipSlip, fmt.Sprintf("entry escapes extraction root: %s", name))
	}
	return target, nil
}

// ValidateFileSize checks a single entry's declared size.
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// Usage tracks the extracted-byte total of a single download against the
// validator's total-size limit.
type Usage struct {
	maxTotalSize int64

	mu    sync.Mutex
	total int64
}

// NewUsage starts a fresh byte-accounting counter for one download.
func (v *Validator) NewUsage() *Usage {
	return &Usage{maxTotalSize: v.maxTotalSize}
}

// Add records size extracted bytes and checks against the limit.
func (u *Usage) Add(size int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.total += size
	if u.total > u.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", u.total/1024/1024,
			"max_total_mb", u.maxTotalSize/1024/1024)
		return fmt.Errorf("security: total extracted size %d exceeds max %d",
			u.total, u.maxTotalSize)
	}
	return nil
}

// Total returns the running extracted-byte total.
func (u *Usage) Total() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// ValidateCompressionRatio checks for compression bombs.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		return fmt.Errorf("security: compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed", compressedSize,
			"uncompressed", uncompressedSize)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f", ratio, v.maxCompressionRatio)
	}
	return nil
}
