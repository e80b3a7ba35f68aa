// Package api defines the wire types shared by the update, channel, and
// stats endpoints, plus the HTTP client they use.
package api

import (
	"fmt"
	"net/url"
)

// PlatformTag is sent on every request. The update service does not
// recognize a desktop platform, so the android tag is kept for server
// compatibility.
const PlatformTag = "android"

// DeviceInfo is the payload carried on every channel, stats, and update
// request.
type DeviceInfo struct {
	Platform       string `json:"platform"`
	DeviceID       string `json:"device_id"`
	AppID          string `json:"app_id"`
	CustomID       string `json:"custom_id,omitempty"`
	VersionBuild   string `json:"version_build"`
	VersionCode    string `json:"version_code"`
	VersionOS      string `json:"version_os"`
	VersionName    string `json:"version_name"`
	PluginVersion  string `json:"plugin_version"`
	IsEmulator     bool   `json:"is_emulator"`
	IsProd         bool   `json:"is_prod"`
	DefaultChannel string `json:"defaultChannel,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
}

// QueryValues encodes the info payload for GET requests.
func (i DeviceInfo) QueryValues() url.Values {
	v := url.Values{}
	v.Set("platform", i.Platform)
	v.Set("device_id", i.DeviceID)
	v.Set("app_id", i.AppID)
	if i.CustomID != "" {
		v.Set("custom_id", i.CustomID)
	}
	v.Set("version_build", i.VersionBuild)
	v.Set("version_code", i.VersionCode)
	v.Set("version_os", i.VersionOS)
	v.Set("version_name", i.VersionName)
	v.Set("plugin_version", i.PluginVersion)
	v.Set("is_emulator", fmt.Sprintf("%t", i.IsEmulator))
	v.Set("is_prod", fmt.Sprintf("%t", i.IsProd))
	if i.DefaultChannel != "" {
		v.Set("defaultChannel", i.DefaultChannel)
	}
	if i.KeyID != "" {
		v.Set("key_id", i.KeyID)
	}
	return v
}

// ManifestEntry is one file of a delta (manifest) update.
type ManifestEntry struct {
	FileName    string `json:"file_name"`
	DownloadURL string `json:"download_url"`
	FileHash    string `json:"file_hash,omitempty"`
}

// NoNewVersionAvailable is the update endpoint's quiescence signal.
const NoNewVersionAvailable = "no_new_version_available"

// UpdateResponse is the loosely-typed reply of the update endpoint.
// Unknown fields are forward-compatibility space and are ignored.
type UpdateResponse struct {
	Version    string          `json:"version"`
	URL        string          `json:"url,omitempty"`
	Checksum   string          `json:"checksum,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Manifest   []ManifestEntry `json:"manifest,omitempty"`
	Breaking   bool            `json:"breaking,omitempty"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// ChannelRequest is the POST body of the channel endpoint.
type ChannelRequest struct {
	DeviceInfo
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// ChannelResponse is the channel endpoint's reply for set/unset/get.
type ChannelResponse struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
	Channel  string `json:"channel,omitempty"`
	AllowSet *bool  `json:"allow_set,omitempty"`
}

// ChannelEntry is one selectable channel in a list reply.
type ChannelEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Public       bool   `json:"public"`
	AllowSelfSet bool   `json:"allow_self_set"`
}

// ChannelListResponse is the channel endpoint's list reply.
type ChannelListResponse struct {
	Channels []ChannelEntry `json:"channels"`
}

// Stats actions.
const (
	StatsDownloadComplete = "download_complete"
	StatsDownloadFail     = "download_fail"
	StatsSet              = "set"
	StatsSetFail          = "set_fail"
)

// StatsRequest is the fire-and-forget telemetry POST body.
type StatsRequest struct {
	DeviceInfo
	Action         string `json:"action"`
	VersionName    string `json:"version_name"`
	OldVersionName string `json:"old_version_name"`
	BundleID       string `json:"bundle_id,omitempty"`
	Message        string `json:"message,omitempty"`
}
