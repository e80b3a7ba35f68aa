// Package download implements the secure bundle download pipeline as a
// finite state machine workflow: register → fetch → verify → decrypt →
// extract → manifest → finalize. Integrity failures abort the workflow;
// any failure removes the bundle directory and its registry record.
package download

import (
	"context"
	"sync"

	"github.com/ah2048/electron-updater/pkg/api"
	"github.com/ah2048/electron-updater/pkg/crypto"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/security"
	"github.com/ah2048/electron-updater/pkg/store"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for the download FSM transitions.
type Machine struct {
	st         *store.Store
	crypt      *crypto.Crypto
	validator  *security.Validator
	client     *api.Client
	root       string // bundles root
	cacheRoot  string // known-good tree for manifest cache hits, may be ""
	maxRetries int
	progress   ProgressFunc

	// Per-download extracted-byte accounting, keyed by bundle id so
	// concurrent workflows never share a counter.
	mu    sync.Mutex
	usage map[string]*security.Usage
}

// usageFor returns the byte counter for one bundle's download, creating it
// on first use.
func (m *Machine) usageFor(bundleID string) *security.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usage == nil {
		m.usage = make(map[string]*security.Usage)
	}
	u, ok := m.usage[bundleID]
	if !ok {
		u = m.validator.NewUsage()
		m.usage[bundleID] = u
	}
	return u
}

// resetUsage starts a bundle's accounting over, so a retried extraction
// does not double-count bytes from the aborted attempt.
func (m *Machine) resetUsage(bundleID string) *security.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usage == nil {
		m.usage = make(map[string]*security.Usage)
	}
	u := m.validator.NewUsage()
	m.usage[bundleID] = u
	return u
}

// dropUsage releases a bundle's byte counter once its workflow is done.
func (m *Machine) dropUsage(bundleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, bundleID)
}

// NewMachine creates a download machine with its dependencies.
func NewMachine(
	st *store.Store,
	crypt *crypto.Crypto,
	validator *security.Validator,
	client *api.Client,
	root string,
	maxRetries int,
	progress ProgressFunc,
) *Machine {
	return &Machine{
		st:         st,
		crypt:      crypt,
		validator:  validator,
		client:     client,
		root:       root,
		maxRetries: maxRetries,
		progress:   progress,
	}
}

// SetCacheRoot points the manifest pass at a known-good extracted tree.
// Files whose hash matches are copied instead of fetched.
func (m *Machine) SetCacheRoot(dir string) {
	m.cacheRoot = dir
}

// Register registers the bundle-download FSM.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[DownloadRequest, DownloadResult], fsm.Resume, error) {
	start, resume, err := fsm.Register[DownloadRequest, DownloadResult](manager, "bundle-download").
		Start(StateRegister, m.handleRegister).
		To(StateFetch, m.handleFetch).
		To(StateVerify, m.handleVerify).
		To(StateDecrypt, m.handleDecrypt).
		To(StateExtract, m.handleExtract).
		To(StateManifest, m.handleManifest).
		To(StateFinalize, m.handleFinalize).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}
	return start, resume, nil
}

func (m *Machine) emitProgress(percent int) {
	if m.progress != nil {
		m.progress(percent)
	}
}
