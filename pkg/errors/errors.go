// Package errors provides error wrapping utilities for context-aware error messages
// and the sentinel errors shared across the updater.
package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Sentinel errors for the update pipeline and registry operations.
var (
	// ErrChecksumFailed is returned when the downloaded zip does not match
	// the checksum announced by the update server.
	ErrChecksumFailed = errors.New("checksum verification failed")

	// ErrHashFailed is returned when a manifest entry's content hash does
	// not match after download.
	ErrHashFailed = errors.New("manifest file hash verification failed")

	// ErrDecryptionFailed is returned when the session-key decrypt of the
	// bundle payload fails.
	ErrDecryptionFailed = errors.New("bundle decryption failed")

	// ErrZipSlip is returned when an archive or manifest entry would be
	// written outside the bundle's extraction directory.
	ErrZipSlip = errors.New("path escapes extraction directory")

	// ErrNotAllowed is returned when configuration forbids the requested
	// mutation (URL change, app id change, manual bundle error).
	ErrNotAllowed = errors.New("operation not allowed by configuration")

	// ErrNotFound is returned for unknown bundle ids.
	ErrNotFound = errors.New("bundle not found")
)
