// Package updater implements the coordinator: it wires the store, crypto,
// downloader, bundle registry, delay controller, and the channel and stats
// clients together, runs periodic update checks, applies gated pending
// updates, and guards every promoted bundle with the app-ready watchdog.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ah2048/electron-updater/internal/config"
	"github.com/ah2048/electron-updater/pkg/api"
	"github.com/ah2048/electron-updater/pkg/bundle"
	"github.com/ah2048/electron-updater/pkg/channel"
	"github.com/ah2048/electron-updater/pkg/crypto"
	"github.com/ah2048/electron-updater/pkg/delay"
	"github.com/ah2048/electron-updater/pkg/download"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/security"
	"github.com/ah2048/electron-updater/pkg/stats"
	"github.com/ah2048/electron-updater/pkg/store"
	"github.com/blang/semver"
	"github.com/robfig/cron/v3"
)

// FSMDBFileName is the durable download-workflow database, kept next to
// the storage file.
const FSMDBFileName = "electron-updater-fsm.db"

// Updater is the coordinator. Construct with New, then Initialize once.
type Updater struct {
	cfg  *config.Config
	host Host

	Events Emitter

	mu          sync.Mutex
	initialized bool

	st         *store.Store
	crypt      *crypto.Crypto
	httpClient *api.Client
	downloader *download.Downloader
	registry   *bundle.Registry
	delayCtl   *delay.Controller
	channels   *channel.Client
	statsCl    *stats.Client

	// Runtime endpoint overrides (see SetUpdateURL and friends).
	updateURL  string
	channelURL string
	statsURL   string
	appID      string
	customID   string

	scheduler *cron.Cron
	watchdog  *time.Timer
}

// New creates an uninitialized coordinator.
func New(cfg *config.Config, host Host) *Updater {
	return &Updater{cfg: cfg, host: host}
}

// Initialize opens the store and builds every component. It is idempotent:
// a second call is a no-op.
func (u *Updater) Initialize(ctx context.Context) error {
	u.mu.Lock()
	first, err := u.initializeLocked(ctx)
	u.mu.Unlock()
	if err != nil || !first {
		return err
	}

	// One gated apply attempt at startup. Runs outside the coordinator
	// lock: the host and event handlers may call back in synchronously.
	if _, err := u.ApplyPendingUpdate(); err != nil {
		slog.Warn("startup_apply_failed", "error", err)
	}
	return nil
}

func (u *Updater) initializeLocked(ctx context.Context) (bool, error) {
	if u.initialized {
		slog.Info("updater_already_initialized")
		return false, nil
	}

	if err := u.cfg.Validate(); err != nil {
		return false, errors.Wrap(err, "config invalid")
	}

	u.st = store.Open(filepath.Join(u.cfg.UserDataDir, store.StorageFileName))

	u.updateURL = u.cfg.UpdateURL
	u.channelURL = u.cfg.ChannelURL
	u.statsURL = u.cfg.StatsURL
	u.appID = u.cfg.AppID
	u.customID = u.st.CustomID()
	if u.cfg.PersistModifyURL {
		if v := u.st.UpdateURL(); v != "" {
			u.updateURL = v
		}
		if v := u.st.ChannelURL(); v != "" {
			u.channelURL = v
		}
		if v := u.st.StatsURL(); v != "" {
			u.statsURL = v
		}
		if v := u.st.AppID(); v != "" {
			u.appID = v
		}
	}

	crypt, err := crypto.New(u.cfg.PublicKey)
	if err != nil {
		return false, errors.Wrap(err, "public key invalid")
	}
	u.crypt = crypt

	u.httpClient = api.NewClient(
		time.Duration(u.cfg.ResponseTimeout)*time.Second,
		u.cfg.PluginVersion, u.appID, u.cfg.VersionOS)

	root := bundle.Root(u.cfg.UserDataDir)
	validator := security.NewValidator(u.cfg.MaxFileSize, u.cfg.MaxTotalSize, u.cfg.MaxCompressionRatio)
	machine := download.NewMachine(u.st, u.crypt, validator, u.httpClient, root,
		u.cfg.FSMMaxRetries, func(percent int) { u.Events.emit(EventDownload, percent) })

	u.downloader, err = download.New(ctx, u.st, machine, filepath.Join(u.cfg.UserDataDir, FSMDBFileName))
	if err != nil {
		return false, errors.Wrap(err, "downloader init failed")
	}

	u.registry = bundle.NewRegistry(u.st, root, bundle.Options{
		BuiltinPath:            u.cfg.BuiltinPath,
		AutoDeleteFailed:       u.cfg.AutoDeleteFailed,
		AutoDeletePrevious:     u.cfg.AutoDeletePrevious,
		AllowManualBundleError: u.cfg.AllowManualBundleError,
	})

	u.delayCtl = delay.NewController(u.st, u.cfg.VersionBuild)
	u.channels = channel.NewClient(u.httpClient, u.st, func() string { return u.channelURL },
		u.cfg.DefaultChannel, u.buildInfo)
	u.statsCl = stats.NewClient(u.httpClient, func() string { return u.statsURL }, u.buildInfo)

	if err := u.handleNativeVersionChange(); err != nil {
		return false, err
	}

	if _, err := u.delayCtl.OnAppStart(); err != nil {
		slog.Warn("delay_app_start_failed", "error", err)
	}

	u.initialized = true

	if u.cfg.AutoUpdate && u.cfg.PeriodCheckDelay >= config.MinPeriodCheckDelay {
		u.scheduler = cron.New()
		spec := fmt.Sprintf("@every %ds", u.cfg.PeriodCheckDelay)
		if _, err := u.scheduler.AddFunc(spec, func() { u.periodicCheck() }); err != nil {
			return false, errors.Wrap(err, "failed to schedule periodic check")
		}
		u.scheduler.Start()
		slog.Info("periodic_check_scheduled", "interval_seconds", u.cfg.PeriodCheckDelay)
	}

	slog.Info("updater_initialized",
		"current_bundle", u.registry.Current().ID,
		"update_url", u.updateURL)
	return true, nil
}

// Shutdown stops timers and the download workflow manager.
func (u *Updater) Shutdown() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.scheduler != nil {
		u.scheduler.Stop()
		u.scheduler = nil
	}
	u.stopWatchdogLocked()
	if u.downloader != nil {
		u.downloader.Close()
	}
	if u.statsCl != nil {
		u.statsCl.Flush()
	}
	slog.Info("updater_shutdown")
}

// handleNativeVersionChange resets to the builtin and drops downloaded
// bundles when the native build version changed and reset-when-update is
// on.
func (u *Updater) handleNativeVersionChange() error {
	last := u.st.LastNativeVersion()
	if last == u.cfg.VersionBuild {
		return nil
	}
	if last != "" && u.cfg.ResetWhenUpdate {
		slog.Info("native_version_changed", "from", last, "to", u.cfg.VersionBuild)
		if err := u.registry.Reset(true); err != nil {
			return err
		}
		if err := u.st.SetFallbackBundleID(""); err != nil {
			return err
		}
		for _, b := range u.st.ListBundles() {
			if err := u.registry.DeleteBundle(b.ID); err != nil {
				slog.Warn("native_reset_prune_failed", "bundle_id", b.ID, "error", err)
			}
		}
	}
	return u.st.SetLastNativeVersion(u.cfg.VersionBuild)
}

// Registry exposes the bundle lifecycle operations.
func (u *Updater) Registry() *bundle.Registry { return u.registry }

// Delay exposes the update-gating controller.
func (u *Updater) Delay() *delay.Controller { return u.delayCtl }

// Channels exposes the channel client.
func (u *Updater) Channels() *channel.Client { return u.channels }

// Store exposes the persistent store.
func (u *Updater) Store() *store.Store { return u.st }

// buildInfo assembles the device info payload sent on every request.
func (u *Updater) buildInfo() (api.DeviceInfo, error) {
	deviceID, err := u.st.DeviceID()
	if err != nil {
		return api.DeviceInfo{}, err
	}

	versionName := u.cfg.VersionName
	if cur := u.registry.Current(); cur.ID != store.BuiltinBundleID && cur.Version != "" {
		versionName = cur.Version
	}

	return api.DeviceInfo{
		Platform:       api.PlatformTag,
		DeviceID:       deviceID,
		AppID:          u.appID,
		CustomID:       u.customID,
		VersionBuild:   u.cfg.VersionBuild,
		VersionCode:    u.cfg.VersionCode,
		VersionOS:      u.cfg.VersionOS,
		VersionName:    versionName,
		PluginVersion:  u.cfg.PluginVersion,
		IsEmulator:     false,
		IsProd:         u.cfg.IsProd,
		DefaultChannel: u.cfg.DefaultChannel,
		KeyID:          crypto.DeriveKeyID(u.cfg.PublicKey),
	}, nil
}

// periodicCheck runs a background update cycle. Every error is logged and
// swallowed so auto-update never crashes the host.
func (u *Updater) periodicCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Duration(u.cfg.ResponseTimeout)*time.Second)
	defer cancel()
	if _, err := u.CheckForUpdates(ctx); err != nil {
		slog.Warn("periodic_check_failed", "error", err)
	}
}

// CheckForUpdates asks the update endpoint for a newer bundle and, unless
// the release is breaking, downloads and stages it.
func (u *Updater) CheckForUpdates(ctx context.Context) (*api.UpdateResponse, error) {
	info, err := u.buildInfo()
	if err != nil {
		return nil, err
	}

	var resp api.UpdateResponse
	if err := u.httpClient.PostJSON(ctx, u.updateURL, info, &resp); err != nil {
		return nil, errors.Wrap(err, "update check failed")
	}

	if resp.Error == api.NoNewVersionAvailable || (resp.Error == "" && resp.Version == "") {
		slog.Info("no_new_version", "current", info.VersionName)
		u.Events.emit(EventNoNeedUpdate, info.VersionName)
		return &resp, nil
	}
	if resp.Error != "" {
		return &resp, fmt.Errorf("update endpoint error: %s", resp.Error)
	}

	slog.Info("update_available", "version", resp.Version, "breaking", resp.Breaking)
	u.Events.emit(EventUpdateAvailable, resp.Version)

	if resp.Breaking {
		u.Events.emit(EventBreakingAvailable, resp.Version)
		u.Events.emit(EventMajorAvailable, resp.Version)
		return &resp, nil
	}
	if isMajorBump(info.VersionName, resp.Version) {
		u.Events.emit(EventMajorAvailable, resp.Version)
	}

	bundleInfo, err := u.Download(ctx, &resp)
	if err != nil {
		return &resp, err
	}

	if u.cfg.DirectUpdateImmediate() {
		if err := u.registry.Set(bundleInfo.ID); err != nil {
			return &resp, err
		}
		if err := u.Reload(); err != nil {
			return &resp, err
		}
	} else {
		if err := u.registry.Next(bundleInfo.ID); err != nil {
			return &resp, err
		}
		if _, err := u.ApplyPendingUpdate(); err != nil {
			slog.Warn("gated_apply_failed", "error", err)
		}
	}
	return &resp, nil
}

// Download fetches the bundle described by an update response through the
// secure pipeline and reports the outcome to telemetry.
func (u *Updater) Download(ctx context.Context, resp *api.UpdateResponse) (*store.BundleInfo, error) {
	oldVersion := u.currentVersionName()

	if cur := u.registry.Current(); cur.ID != store.BuiltinBundleID {
		u.downloader.SetCacheRoot(bundle.WWWDir(u.registry.Root(), cur.ID))
	}

	info, err := u.downloader.DownloadBundle(ctx, resp.URL, resp.Version, resp.Checksum, resp.SessionKey, resp.Manifest)
	if err != nil {
		slog.Error("download_failed", "version", resp.Version, "error", err)
		u.Events.emit(EventDownloadFailed, resp.Version)
		u.statsCl.Send(api.StatsDownloadFail, resp.Version, oldVersion, "", err.Error())
		return nil, err
	}

	slog.Info("download_complete", "bundle_id", info.ID, "version", info.Version)
	u.Events.emit(EventDownloadComplete, info)
	u.statsCl.Send(api.StatsDownloadComplete, info.Version, oldVersion, info.ID, "")
	return info, nil
}

// ApplyPendingUpdate promotes the staged next bundle when the delay gate is
// open, then reloads the host. Returns whether an update was applied.
func (u *Updater) ApplyPendingUpdate() (bool, error) {
	u.mu.Lock()
	applied, reload, err := u.applyPendingLocked()
	u.mu.Unlock()
	if err != nil || !applied {
		return applied, err
	}
	return true, u.performReload(reload)
}

// applyPendingLocked performs the registry promotion; the returned reload
// runs after the lock is released.
func (u *Updater) applyPendingLocked() (bool, pendingReload, error) {
	if u.registry == nil {
		return false, pendingReload{}, nil
	}
	if u.st.NextBundleID() == "" {
		return false, pendingReload{}, nil
	}
	if !u.delayCtl.AreConditionsSatisfied() {
		slog.Info("pending_update_withheld")
		return false, pendingReload{}, nil
	}

	applied, err := u.registry.ApplyPendingUpdate()
	if err != nil || !applied {
		return applied, pendingReload{}, err
	}
	return true, u.prepareReloadLocked(), nil
}

// Reload instructs the host to load the current bundle path and arms the
// app-ready watchdog for non-builtin bundles.
func (u *Updater) Reload() error {
	u.mu.Lock()
	reload := u.prepareReloadLocked()
	u.mu.Unlock()
	return u.performReload(reload)
}

// pendingReload is captured under the coordinator lock and executed after
// it is released: the host and event handlers may call straight back into
// the coordinator.
type pendingReload struct {
	path string
	arm  bool
}

func (u *Updater) prepareReloadLocked() pendingReload {
	return pendingReload{
		path: u.registry.CurrentBundlePath(),
		arm:  u.registry.Current().ID != store.BuiltinBundleID,
	}
}

// performReload arms the watchdog, navigates the host, and announces the
// reload. Runs without the coordinator lock; the watchdog is armed before
// Load so a host confirming readiness during Load cancels it, not races it.
func (u *Updater) performReload(r pendingReload) error {
	if r.arm {
		u.mu.Lock()
		u.armWatchdogLocked()
		u.mu.Unlock()
	}

	slog.Info("reload", "path", r.path)
	if err := u.host.Load(r.path); err != nil {
		u.mu.Lock()
		u.stopWatchdogLocked()
		u.mu.Unlock()
		return errors.Wrap(err, "host reload failed")
	}
	u.Events.emit(EventAppReloaded, r.path)
	return nil
}

// armWatchdogLocked (re)starts the single-instance app-ready watchdog.
func (u *Updater) armWatchdogLocked() {
	u.stopWatchdogLocked()
	timeout := time.Duration(u.cfg.AppReadyTimeout) * time.Millisecond
	u.watchdog = time.AfterFunc(timeout, u.onWatchdogFire)
	slog.Info("watchdog_armed", "timeout_ms", u.cfg.AppReadyTimeout)
}

func (u *Updater) stopWatchdogLocked() {
	if u.watchdog != nil {
		u.watchdog.Stop()
		u.watchdog = nil
	}
}

// onWatchdogFire rolls back after a promoted bundle failed to confirm
// app-ready within the deadline.
func (u *Updater) onWatchdogFire() {
	u.mu.Lock()
	u.watchdog = nil

	failed := u.registry.Current()
	slog.Error("app_ready_timeout", "bundle_id", failed.ID, "version", failed.Version)

	restored, err := u.registry.Rollback()
	if err != nil {
		u.mu.Unlock()
		slog.Error("rollback_failed", "error", err)
		return
	}
	restoredVersion := u.currentVersionName()
	path := u.registry.CurrentBundlePath()
	u.mu.Unlock()

	u.statsCl.Send(api.StatsSetFail, failed.Version, restoredVersion, failed.ID, "app-ready timeout")
	u.Events.emit(EventUpdateFailed, failed.ID)

	if err := u.host.Load(path); err != nil {
		slog.Error("rollback_reload_failed", "path", path, "error", err)
	}
	slog.Info("rollback_complete", "restored_bundle_id", restored)
}

// NotifyAppReady confirms the current bundle booted successfully: the
// watchdog is cancelled, the demoted fallback is pruned, and telemetry is
// sent.
func (u *Updater) NotifyAppReady() error {
	u.mu.Lock()
	u.stopWatchdogLocked()
	if err := u.registry.MarkBundleSuccessful(); err != nil {
		u.mu.Unlock()
		return err
	}
	cur := u.registry.Current()
	u.mu.Unlock()

	u.Events.emit(EventAppReady, cur)
	u.statsCl.Send(api.StatsSet, cur.Version, "", cur.ID, "")
	return nil
}

// OnWindowFocus feeds a host focus event to the delay controller.
func (u *Updater) OnWindowFocus() {
	u.delayCtl.OnForeground()
}

// OnWindowBlur feeds a host blur event to the delay controller and
// attempts a gated apply: background conditions open on blur.
func (u *Updater) OnWindowBlur() {
	u.delayCtl.OnBackground()
	if _, err := u.ApplyPendingUpdate(); err != nil {
		slog.Warn("blur_apply_failed", "error", err)
	}
}

// SetCustomID records a user-supplied device identifier, persisted when
// persist-custom-id is on.
func (u *Updater) SetCustomID(id string) error {
	u.customID = id
	if u.cfg.PersistCustomID {
		return u.st.SetCustomID(id)
	}
	return nil
}

// SetUpdateURL overrides the update endpoint. Gated by allow-modify-url.
func (u *Updater) SetUpdateURL(url string) error {
	return u.setEndpoint(&u.updateURL, url, u.st.SetUpdateURL)
}

// SetChannelURL overrides the channel endpoint. Gated by allow-modify-url.
func (u *Updater) SetChannelURL(url string) error {
	return u.setEndpoint(&u.channelURL, url, u.st.SetChannelURL)
}

// SetStatsURL overrides the stats endpoint. Gated by allow-modify-url.
func (u *Updater) SetStatsURL(url string) error {
	return u.setEndpoint(&u.statsURL, url, u.st.SetStatsURL)
}

func (u *Updater) setEndpoint(field *string, url string, persist func(string) error) error {
	if !u.cfg.AllowModifyURL {
		return errors.Wrap(errors.ErrNotAllowed, "url modification is disabled")
	}
	*field = url
	if u.cfg.PersistModifyURL {
		return persist(url)
	}
	return nil
}

// SetAppID overrides the app id. Gated by allow-modify-app-id.
func (u *Updater) SetAppID(id string) error {
	if !u.cfg.AllowModifyAppID {
		return errors.Wrap(errors.ErrNotAllowed, "app id modification is disabled")
	}
	u.appID = id
	if u.cfg.PersistModifyURL {
		return u.st.SetAppID(id)
	}
	return nil
}

// DeviceID returns the persisted device identity.
func (u *Updater) DeviceID() (string, error) {
	return u.st.DeviceID()
}

// VersionName returns the web version currently running: the current
// bundle's version, or the configured native version name on the builtin.
func (u *Updater) VersionName() string {
	return u.currentVersionName()
}

// BuiltinVersion returns the native version name shipped with the host.
func (u *Updater) BuiltinVersion() string {
	return u.cfg.VersionName
}

func (u *Updater) currentVersionName() string {
	if cur := u.registry.Current(); cur.ID != store.BuiltinBundleID && cur.Version != "" {
		return cur.Version
	}
	return u.cfg.VersionName
}

// isMajorBump reports whether next has a higher semver major than current.
// Unparseable versions never report a bump.
func isMajorBump(current, next string) bool {
	cv, err := semver.ParseTolerant(strings.TrimPrefix(current, "v"))
	if err != nil {
		return false
	}
	nv, err := semver.ParseTolerant(strings.TrimPrefix(next, "v"))
	if err != nil {
		return false
	}
	return nv.Major > cv.Major
}
