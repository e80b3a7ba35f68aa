// Package channel implements remote channel selection with a local-cache
// fallback: the server owns the channel assignment, the store caches it for
// offline reads.
package channel

import (
	"context"
	"log/slog"

	"github.com/ah2048/electron-updater/pkg/api"
	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/ah2048/electron-updater/pkg/store"
)

// Client talks to the channel endpoint.
type Client struct {
	http           *api.Client
	st             *store.Store
	url            func() string
	defaultChannel string
	info           func() (api.DeviceInfo, error)
}

// NewClient creates a channel client. url is resolved per call so runtime
// URL changes take effect immediately.
func NewClient(http *api.Client, st *store.Store, url func() string, defaultChannel string, info func() (api.DeviceInfo, error)) *Client {
	return &Client{http: http, st: st, url: url, defaultChannel: defaultChannel, info: info}
}

// statusAccepted reports whether the server acknowledged a set.
func statusAccepted(status string) bool {
	return status == "ok" || status == "success"
}

// SetChannel assigns the device to a channel. The local cache is updated
// only when the server accepts.
func (c *Client) SetChannel(ctx context.Context, channel string) (*api.ChannelResponse, error) {
	info, err := c.info()
	if err != nil {
		return nil, err
	}

	req := api.ChannelRequest{DeviceInfo: info, Action: "set", Channel: channel}
	var resp api.ChannelResponse
	if err := c.http.PostJSON(ctx, c.url(), req, &resp); err != nil {
		return nil, errors.Wrap(err, "channel set failed")
	}

	if statusAccepted(resp.Status) {
		if err := c.st.SetChannel(channel); err != nil {
			return nil, err
		}
		slog.Info("channel_set", "channel", channel)
	} else {
		slog.Warn("channel_set_rejected", "channel", channel, "status", resp.Status, "error", resp.Error)
	}
	return &resp, nil
}

// UnsetChannel reverts the device to the default channel. Server errors are
// ignored; the local cache is always cleared.
func (c *Client) UnsetChannel(ctx context.Context) (*api.ChannelResponse, error) {
	resp := &api.ChannelResponse{Status: "ok"}

	if info, err := c.info(); err == nil {
		req := api.ChannelRequest{DeviceInfo: info, Action: "unset"}
		var serverResp api.ChannelResponse
		if err := c.http.PostJSON(ctx, c.url(), req, &serverResp); err != nil {
			slog.Warn("channel_unset_request_failed", "error", err)
		} else {
			resp = &serverResp
		}
	}

	if err := c.st.SetChannel(""); err != nil {
		return nil, err
	}
	slog.Info("channel_unset")
	return resp, nil
}

// GetChannel queries the assigned channel. Any transport failure yields the
// local-cache fallback.
func (c *Client) GetChannel(ctx context.Context) (*api.ChannelResponse, error) {
	fallback := func() *api.ChannelResponse {
		ch := c.st.Channel()
		if ch == "" {
			ch = c.defaultChannel
		}
		allow := true
		return &api.ChannelResponse{Channel: ch, AllowSet: &allow, Status: "ok"}
	}

	info, err := c.info()
	if err != nil {
		return fallback(), nil
	}

	var resp api.ChannelResponse
	if err := c.http.GetJSON(ctx, c.url(), info.QueryValues(), &resp); err != nil {
		slog.Warn("channel_get_failed_using_cache", "error", err)
		return fallback(), nil
	}
	return &resp, nil
}

// ListChannels returns the channels this device may select. Failures yield
// an empty list.
func (c *Client) ListChannels(ctx context.Context) (*api.ChannelListResponse, error) {
	empty := &api.ChannelListResponse{Channels: []api.ChannelEntry{}}

	info, err := c.info()
	if err != nil {
		return empty, nil
	}

	query := info.QueryValues()
	query.Set("action", "list")

	var resp api.ChannelListResponse
	if err := c.http.GetJSON(ctx, c.url(), query, &resp); err != nil {
		slog.Warn("channel_list_failed", "error", err)
		return empty, nil
	}
	if resp.Channels == nil {
		resp.Channels = []api.ChannelEntry{}
	}
	return &resp, nil
}
