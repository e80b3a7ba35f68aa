package download

import "github.com/ah2048/electron-updater/pkg/api"

// DownloadRequest is the FSM input describing one bundle download.
type DownloadRequest struct {
	BundleID   string
	URL        string
	Version    string
	Checksum   string
	SessionKey string
	Manifest   []api.ManifestEntry
}

// DownloadResult is the FSM output (accumulated across transitions).
type DownloadResult struct {
	// From Fetch
	ZipPath string
	Size    int64

	// From Verify
	Checksum string

	// From Extract/Manifest
	WWWPath string

	// From Finalize
	Status string
}

// State names of the bundle-download workflow.
const (
	StateRegister = "register"
	StateFetch    = "fetch"
	StateVerify   = "verify"
	StateDecrypt  = "decrypt"
	StateExtract  = "extract"
	StateManifest = "manifest"
	StateFinalize = "finalize"
	StateFailed   = "failed"
)

// ProgressFunc receives download progress as a percentage.
type ProgressFunc func(percent int)
