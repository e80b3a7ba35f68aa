package security

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateEntryName(t *testing.T) {
	v := NewValidator(1024, 1024, 10.0)

	tests := []struct {
		name      string
		shouldErr bool
	}{
		{"index.html", false},
		{"assets/app.js", false},
		{"deep/nested/dir/file.css", false},
		{"../evil.sh", true},
		{"../../evil.sh", true},
		{"/etc/passwd", true},
		{"assets/../../evil.sh", true},
		{"assets\\..\\..\\evil.sh", true},
		{"..", true},
	}

	for _, tt := range tests {
		err := v.ValidateEntryName(tt.name)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for entry: %s", tt.name)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for entry %s: %v", tt.name, err)
		}
	}
}

func TestResolveWithin(t *testing.T) {
	v := NewValidator(1024, 1024, 10.0)
	root := t.TempDir()

	target, err := v.ResolveWithin(root, "assets/app.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	absRoot, _ := filepath.Abs(root)
	if !strings.HasPrefix(target, absRoot+string(filepath.Separator)) {
		t.Errorf("target %s not inside root %s", target, absRoot)
	}

	if _, err := v.ResolveWithin(root, "../outside.txt"); err == nil {
		t.Error("expected error for escaping entry")
	}
}

func TestValidateFileSize(t *testing.T) {
	v := NewValidator(100, 1000, 10.0)

	if err := v.ValidateFileSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}
	if err := v.ValidateFileSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}
}

func TestUsage_ExceedsTotal(t *testing.T) {
	v := NewValidator(1024, 500, 10.0)
	u := v.NewUsage()

	if err := u.Add(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if u.Total() != 400 {
		t.Errorf("expected total 400, got %d", u.Total())
	}
	if err := u.Add(200); err == nil {
		t.Error("expected error when total extracted exceeds limit")
	}
}

func TestUsage_CountersAreIndependent(t *testing.T) {
	v := NewValidator(1024, 500, 10.0)

	if err := v.NewUsage().Add(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// A fresh counter starts from zero regardless of earlier downloads.
	if err := v.NewUsage().Add(400); err != nil {
		t.Errorf("unexpected error on fresh counter: %v", err)
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(1024, 10240, 10.0)

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}
	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}
	if err := v.ValidateCompressionRatio(0, 100); err == nil {
		t.Error("expected error for zero compressed size")
	}
}
