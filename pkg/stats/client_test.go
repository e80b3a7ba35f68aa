package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ah2048/electron-updater/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceInfo() (api.DeviceInfo, error) {
	return api.DeviceInfo{Platform: api.PlatformTag, DeviceID: "device-1", AppID: "com.example.app"}, nil
}

func TestSend(t *testing.T) {
	var mu sync.Mutex
	var received []api.StatsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.StatsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		received = append(received, req)
		mu.Unlock()
	}))
	defer srv.Close()

	httpClient := api.NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")
	c := NewClient(httpClient, func() string { return srv.URL }, deviceInfo)

	c.Send(api.StatsDownloadComplete, "1.2.3", "1.2.2", "bundle-1", "")
	c.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, api.StatsDownloadComplete, received[0].Action)
	assert.Equal(t, "1.2.3", received[0].VersionName)
	assert.Equal(t, "1.2.2", received[0].OldVersionName)
	assert.Equal(t, "bundle-1", received[0].BundleID)
	assert.Equal(t, "device-1", received[0].DeviceID)
}

func TestSend_EmptyURLDisables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("stats endpoint should not be called")
	}))
	defer srv.Close()

	httpClient := api.NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")
	c := NewClient(httpClient, func() string { return "" }, deviceInfo)

	c.Send(api.StatsSet, "1.2.3", "", "bundle-1", "")
	c.Flush()
}

func TestSend_FailuresAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	httpClient := api.NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")
	c := NewClient(httpClient, func() string { return srv.URL }, deviceInfo)

	// Must not panic or block; errors are logged and dropped.
	c.Send(api.StatsSetFail, "1.2.3", "", "bundle-1", "reload watchdog fired")
	c.Send(api.StatsDownloadFail, "1.2.3", "", "", "checksum mismatch")
	c.Flush()
}
