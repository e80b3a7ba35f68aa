// Package stats sends fire-and-forget telemetry for download and update
// outcomes. Failures are swallowed: telemetry never affects the update
// path.
package stats

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ah2048/electron-updater/pkg/api"
)

// Client posts telemetry events to the stats endpoint.
type Client struct {
	http *api.Client
	url  func() string
	info func() (api.DeviceInfo, error)

	wg sync.WaitGroup
}

// NewClient creates a stats client. An empty resolved URL disables sends.
func NewClient(http *api.Client, url func() string, info func() (api.DeviceInfo, error)) *Client {
	return &Client{http: http, url: url, info: info}
}

// Send dispatches one event asynchronously. Errors are logged and dropped.
func (c *Client) Send(action, versionName, oldVersionName, bundleID, message string) {
	endpoint := c.url()
	if endpoint == "" {
		return
	}

	info, err := c.info()
	if err != nil {
		slog.Debug("stats_info_unavailable", "action", action, "error", err)
		return
	}

	req := api.StatsRequest{
		DeviceInfo:     info,
		Action:         action,
		VersionName:    versionName,
		OldVersionName: oldVersionName,
		BundleID:       bundleID,
		Message:        message,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.http.PostJSON(context.Background(), endpoint, req, nil); err != nil {
			slog.Debug("stats_send_failed", "action", action, "error", err)
			return
		}
		slog.Debug("stats_sent", "action", action, "version_name", versionName)
	}()
}

// Flush waits for in-flight sends. Used by tests and shutdown.
func (c *Client) Flush() {
	c.wg.Wait()
}
