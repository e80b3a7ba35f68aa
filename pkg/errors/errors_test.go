package errors

import (
	"fmt"
	"testing"
)

func TestWrap(t *testing.T) {
	base := fmt.Errorf("connection refused")
	wrapped := Wrap(base, "update check failed")

	if wrapped.Error() != "update check failed: connection refused" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
	if !Is(wrapped, base) {
		t.Error("wrapped error should match the base error")
	}
	if Wrap(nil, "context") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestSentinels(t *testing.T) {
	err := Wrap(ErrChecksumFailed, "bundle abc")
	if !Is(err, ErrChecksumFailed) {
		t.Error("expected checksum sentinel to survive wrapping")
	}
	if Is(err, ErrDecryptionFailed) {
		t.Error("sentinels must not match each other")
	}
}
