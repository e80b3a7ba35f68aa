package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserAgent(t *testing.T) {
	c := NewClient(time.Second, "7.0.0", "com.example.app", "6.8.0")
	assert.Equal(t, "CapacitorUpdater/7.0.0 (com.example.app) electron/6.8.0", c.UserAgent())

	// Missing identity falls back to placeholders.
	c = NewClient(time.Second, "7.0.0", "", "")
	assert.Contains(t, c.UserAgent(), "missing-app-id")
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("User-Agent"), "CapacitorUpdater/")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ping", body["msg"])

		json.NewEncoder(w).Encode(map[string]string{"msg": "pong"})
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")
	var out map[string]string
	require.NoError(t, c.PostJSON(context.Background(), srv.URL, map[string]string{"msg": "ping"}, &out))
	assert.Equal(t, "pong", out["msg"])
}

func TestPostJSON_Non2xxWithJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(UpdateResponse{Error: "app_not_found", Message: "unknown app id"})
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")

	// Application errors ride JSON bodies on non-2xx replies; the caller
	// still gets the decoded payload.
	var out UpdateResponse
	require.NoError(t, c.PostJSON(context.Background(), srv.URL, struct{}{}, &out))
	assert.Equal(t, "app_not_found", out.Error)
}

func TestPostJSON_Non2xxWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")
	var out UpdateResponse
	require.Error(t, c.PostJSON(context.Background(), srv.URL, struct{}{}, &out))
}

func TestGetJSON_MergesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("existing"))
		assert.Equal(t, "device-1", r.URL.Query().Get("device_id"))
		json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")
	q := url.Values{}
	q.Set("device_id", "device-1")

	var out map[string]string
	require.NoError(t, c.GetJSON(context.Background(), srv.URL+"?existing=1", q, &out))
	assert.Equal(t, "yes", out["ok"])
}

func TestFetchToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("zip bytes"))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")
	dest := filepath.Join(t.TempDir(), "bundle.zip")

	n, err := c.FetchToFile(context.Background(), srv.URL, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(got))
}

func TestFetchToFile_ReportsProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")

	var written []int64
	var totals []int64
	n, err := c.FetchToFile(context.Background(), srv.URL, filepath.Join(t.TempDir(), "bundle.zip"),
		func(w, total int64) {
			written = append(written, w)
			totals = append(totals, total)
		})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	require.NotEmpty(t, written)
	for i := 1; i < len(written); i++ {
		assert.GreaterOrEqual(t, written[i], written[i-1])
	}
	assert.Equal(t, int64(len(payload)), written[len(written)-1])
	for _, total := range totals {
		assert.Equal(t, int64(len(payload)), total)
	}
}

func TestFetchToFile_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, "7.0.0", "com.example.app", "linux")
	_, err := c.FetchToFile(context.Background(), srv.URL, filepath.Join(t.TempDir(), "bundle.zip"), nil)
	require.Error(t, err)
}

func TestDeviceInfoQueryValues(t *testing.T) {
	info := DeviceInfo{
		Platform:     PlatformTag,
		DeviceID:     "device-1",
		AppID:        "com.example.app",
		VersionBuild: "1.0.0",
		IsProd:       true,
	}

	v := info.QueryValues()
	assert.Equal(t, "android", v.Get("platform"))
	assert.Equal(t, "device-1", v.Get("device_id"))
	assert.Equal(t, "true", v.Get("is_prod"))
	// Optional fields are omitted when empty.
	assert.False(t, v.Has("custom_id"))
	assert.False(t, v.Has("key_id"))
}
