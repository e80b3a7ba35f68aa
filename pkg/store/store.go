// Package store implements the persistent key-value store backing the updater.
// All state that must survive a host restart lives here: the bundle registry,
// the current/next/fallback pointers, device identity, channel selection, and
// the mutable endpoint URLs. The store is a single UTF-8 JSON file written
// atomically (temp file + rename) on every mutation.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/google/uuid"
)

// BuiltinBundleID is the reserved id of the bundle shipped with the host
// installer. It is never persisted in the registry and never deleted.
const BuiltinBundleID = "builtin"

// StorageFileName is the on-disk name of the store inside the user-data dir.
const StorageFileName = "electron-updater-storage.json"

// BundleStatus is the lifecycle state of a bundle.
type BundleStatus string

// Bundle lifecycle states.
const (
	StatusDownloading BundleStatus = "downloading"
	StatusPending     BundleStatus = "pending"
	StatusError       BundleStatus = "error"
	StatusSuccess     BundleStatus = "success"
	StatusDeleted     BundleStatus = "deleted"
)

// BundleInfo is the persisted record of a downloaded bundle.
type BundleInfo struct {
	ID         string       `json:"id"`
	Version    string       `json:"version"`
	Downloaded string       `json:"downloaded"` // ISO-8601 UTC
	Checksum   string       `json:"checksum"`
	Status     BundleStatus `json:"status"`
}

// DelayCondition is a persisted update-gating condition.
type DelayCondition struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

// persistedState is the JSON shape of the storage file. Unknown fields are
// dropped on load; absent fields default to their zero values.
type persistedState struct {
	Bundles           map[string]*BundleInfo `json:"bundles"`
	CurrentBundleID   string                 `json:"currentBundleId,omitempty"`
	NextBundleID      string                 `json:"nextBundleId,omitempty"`
	FallbackBundleID  string                 `json:"fallbackBundleId,omitempty"`
	DeviceID          string                 `json:"deviceId,omitempty"`
	CustomID          string                 `json:"customId,omitempty"`
	Channel           string                 `json:"channel,omitempty"`
	UpdateURL         string                 `json:"updateUrl,omitempty"`
	ChannelURL        string                 `json:"channelUrl,omitempty"`
	StatsURL          string                 `json:"statsUrl,omitempty"`
	AppID             string                 `json:"appId,omitempty"`
	DelayConditions   []DelayCondition       `json:"delayConditions,omitempty"`
	LastNativeVersion string                 `json:"lastNativeVersion,omitempty"`
}

// Store is the process-wide persistent store. Safe for concurrent use.
type Store struct {
	path string

	mu sync.Mutex
	st persistedState
}

// Open loads the store from path. I/O or decode errors yield an empty
// in-memory store (fresh install semantics); they are logged, not returned.
func Open(path string) *Store {
	s := &Store{path: path}
	s.st.Bundles = make(map[string]*BundleInfo)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("store_load_failed", "path", path, "error", err)
		}
		slog.Info("store_fresh", "path", path)
		return s
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		slog.Warn("store_decode_failed", "path", path, "error", err)
		return s
	}
	if st.Bundles == nil {
		st.Bundles = make(map[string]*BundleInfo)
	}
	s.st = st
	slog.Info("store_loaded", "path", path, "bundle_count", len(st.Bundles))
	return s
}

// Path returns the storage file path.
func (s *Store) Path() string {
	return s.path
}

// Save writes the store atomically: marshal, write to a temp file in the
// same directory, rename over the target.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode store")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create storage directory")
	}

	tmp, err := os.CreateTemp(dir, ".storage-*.json")
	if err != nil {
		return errors.Wrap(err, "failed to create temp storage file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write temp storage file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close temp storage file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to replace storage file")
	}
	return nil
}

// GetBundle returns the bundle record for id, or nil when unknown. The
// builtin id is not stored; callers synthesize its descriptor.
func (s *Store) GetBundle(id string) *BundleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.st.Bundles[id]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}

// SetBundle upserts a bundle record and saves.
func (s *Store) SetBundle(info *BundleInfo) error {
	if info.ID == BuiltinBundleID {
		return errors.Wrap(errors.ErrNotAllowed, "cannot overwrite builtin bundle")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *info
	s.st.Bundles[info.ID] = &cp
	slog.Info("store_bundle_set", "bundle_id", info.ID, "status", info.Status, "version", info.Version)
	return s.saveLocked()
}

// DeleteBundle removes a bundle record and saves. Deleting the builtin is
// refused; deleting an unknown id is a no-op.
func (s *Store) DeleteBundle(id string) error {
	if id == BuiltinBundleID {
		return errors.Wrap(errors.ErrNotAllowed, "cannot delete builtin bundle")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Bundles[id]; !ok {
		return nil
	}
	delete(s.st.Bundles, id)
	slog.Info("store_bundle_deleted", "bundle_id", id)
	return s.saveLocked()
}

// ListBundles returns all persisted bundle records.
func (s *Store) ListBundles() []*BundleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BundleInfo, 0, len(s.st.Bundles))
	for _, b := range s.st.Bundles {
		cp := *b
		out = append(out, &cp)
	}
	return out
}

// CurrentBundleID returns the current pointer, "" when unset.
func (s *Store) CurrentBundleID() string { return s.getString(&s.st.CurrentBundleID) }

// SetCurrentBundleID updates the current pointer and saves.
func (s *Store) SetCurrentBundleID(id string) error {
	return s.setString(&s.st.CurrentBundleID, id, "current_bundle_id")
}

// NextBundleID returns the next pointer, "" when unset.
func (s *Store) NextBundleID() string { return s.getString(&s.st.NextBundleID) }

// SetNextBundleID updates the next pointer and saves.
func (s *Store) SetNextBundleID(id string) error {
	return s.setString(&s.st.NextBundleID, id, "next_bundle_id")
}

// FallbackBundleID returns the fallback pointer, "" when unset.
func (s *Store) FallbackBundleID() string { return s.getString(&s.st.FallbackBundleID) }

// SetFallbackBundleID updates the fallback pointer and saves.
func (s *Store) SetFallbackBundleID(id string) error {
	return s.setString(&s.st.FallbackBundleID, id, "fallback_bundle_id")
}

// DeviceID returns the persisted device identity, generating and saving one
// on first read.
func (s *Store) DeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.DeviceID != "" {
		return s.st.DeviceID, nil
	}
	s.st.DeviceID = uuid.NewString()
	slog.Info("store_device_id_generated", "device_id", s.st.DeviceID)
	if err := s.saveLocked(); err != nil {
		return "", err
	}
	return s.st.DeviceID, nil
}

// CustomID returns the user-supplied device identifier, "" when unset.
func (s *Store) CustomID() string { return s.getString(&s.st.CustomID) }

// SetCustomID updates the custom id and saves.
func (s *Store) SetCustomID(id string) error {
	return s.setString(&s.st.CustomID, id, "custom_id")
}

// Channel returns the locally cached channel, "" meaning the default.
func (s *Store) Channel() string { return s.getString(&s.st.Channel) }

// SetChannel updates the cached channel and saves.
func (s *Store) SetChannel(channel string) error {
	return s.setString(&s.st.Channel, channel, "channel")
}

// UpdateURL returns the persisted update endpoint override, "" when unset.
func (s *Store) UpdateURL() string { return s.getString(&s.st.UpdateURL) }

// SetUpdateURL persists an update endpoint override.
func (s *Store) SetUpdateURL(u string) error { return s.setString(&s.st.UpdateURL, u, "update_url") }

// ChannelURL returns the persisted channel endpoint override, "" when unset.
func (s *Store) ChannelURL() string { return s.getString(&s.st.ChannelURL) }

// SetChannelURL persists a channel endpoint override.
func (s *Store) SetChannelURL(u string) error {
	return s.setString(&s.st.ChannelURL, u, "channel_url")
}

// StatsURL returns the persisted stats endpoint override, "" when unset.
func (s *Store) StatsURL() string { return s.getString(&s.st.StatsURL) }

// SetStatsURL persists a stats endpoint override.
func (s *Store) SetStatsURL(u string) error { return s.setString(&s.st.StatsURL, u, "stats_url") }

// AppID returns the persisted app id override, "" when unset.
func (s *Store) AppID() string { return s.getString(&s.st.AppID) }

// SetAppID persists an app id override.
func (s *Store) SetAppID(id string) error { return s.setString(&s.st.AppID, id, "app_id") }

// DelayConditions returns the armed gating conditions.
func (s *Store) DelayConditions() []DelayCondition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DelayCondition, len(s.st.DelayConditions))
	copy(out, s.st.DelayConditions)
	return out
}

// SetDelayConditions replaces the armed gating conditions and saves.
func (s *Store) SetDelayConditions(conds []DelayCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.DelayConditions = append([]DelayCondition(nil), conds...)
	slog.Info("store_delay_conditions_set", "condition_count", len(conds))
	return s.saveLocked()
}

// LastNativeVersion returns the native build version observed on the
// previous launch, "" on first run.
func (s *Store) LastNativeVersion() string { return s.getString(&s.st.LastNativeVersion) }

// SetLastNativeVersion records the native build version and saves.
func (s *Store) SetLastNativeVersion(v string) error {
	return s.setString(&s.st.LastNativeVersion, v, "last_native_version")
}

func (s *Store) getString(field *string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *field
}

func (s *Store) setString(field *string, value, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field = value
	slog.Info("store_field_set", "field", name, "value", value)
	return s.saveLocked()
}
