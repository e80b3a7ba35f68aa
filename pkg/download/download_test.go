package download

import (
	"archive/zip"
	"bytes"
	"context"
	"hash/crc32"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ah2048/electron-updater/pkg/api"
	"github.com/ah2048/electron-updater/pkg/bundle"
	"github.com/ah2048/electron-updater/pkg/crypto"
	"github.com/ah2048/electron-updater/pkg/security"
	"github.com/ah2048/electron-updater/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeZipFile(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(path, makeZip(t, files), 0o644))
	return path
}

func testValidator() *security.Validator {
	return security.NewValidator(10*1024*1024, 100*1024*1024, 100.0)
}

func TestExtractZip(t *testing.T) {
	zipPath := writeZipFile(t, map[string]string{
		"index.html":    "<html>app</html>",
		"assets/app.js": "console.log('hi')",
	})
	dest := t.TempDir()

	v := testValidator()
	require.NoError(t, ExtractZip(zipPath, dest, v, v.NewUsage()))

	got, err := os.ReadFile(filepath.Join(dest, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>app</html>", string(got))

	got, err = os.ReadFile(filepath.Join(dest, "assets", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(got))
}

func TestExtractZip_RejectsTraversalEntry(t *testing.T) {
	zipPath := writeZipFile(t, map[string]string{
		"index.html":   "<html></html>",
		"../../pwn.sh": "#!/bin/sh",
	})
	dest := t.TempDir()

	v := testValidator()
	err := ExtractZip(zipPath, dest, v, v.NewUsage())
	require.Error(t, err)

	// Nothing escaped the destination.
	_, statErr := os.Stat(filepath.Join(dest, "..", "..", "pwn.sh"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractZip_RejectsOversizedEntry(t *testing.T) {
	zipPath := writeZipFile(t, map[string]string{
		"big.bin": string(bytes.Repeat([]byte("A"), 2048)),
	})

	v := security.NewValidator(1024, 100*1024, 100.0)
	require.Error(t, ExtractZip(zipPath, t.TempDir(), v, v.NewUsage()))
}

func TestExtractZip_RejectsTotalSizeOverrun(t *testing.T) {
	zipPath := writeZipFile(t, map[string]string{
		"a.bin": string(bytes.Repeat([]byte("A"), 800)),
		"b.bin": string(bytes.Repeat([]byte("B"), 800)),
	})

	v := security.NewValidator(1024, 1000, 100.0)
	require.Error(t, ExtractZip(zipPath, t.TempDir(), v, v.NewUsage()))
}

func TestExtractZip_RejectsEntryLyingAboutSize(t *testing.T) {
	// A stored entry whose header declares fewer bytes than it holds must
	// fail, not truncate.
	payload := []byte("0123456789")
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.CreateRaw(&zip.FileHeader{
		Name:               "liar.bin",
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(payload),
		CompressedSize64:   uint64(len(payload)),
		UncompressedSize64: 5,
	})
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	zipPath := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

	v := testValidator()
	err = ExtractZip(zipPath, t.TempDir(), v, v.NewUsage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match declared")
}

func newDownloaderWith(t *testing.T, v *security.Validator, progress ProgressFunc) (*Downloader, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st := store.Open(filepath.Join(dir, store.StorageFileName))
	crypt, err := crypto.New("")
	require.NoError(t, err)

	root := bundle.Root(dir)
	client := api.NewClient(10*time.Second, "7.0.0", "com.example.app", "linux")
	machine := NewMachine(st, crypt, v, client, root, 3, progress)

	d, err := New(context.Background(), st, machine, filepath.Join(dir, "fsm.db"))
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, st, root
}

func newDownloader(t *testing.T) (*Downloader, *store.Store, string) {
	t.Helper()
	return newDownloaderWith(t, testValidator(), nil)
}

func TestDownloadBundle(t *testing.T) {
	payload := makeZip(t, map[string]string{
		"index.html":    "<html>v2</html>",
		"assets/app.js": "app",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d, st, root := newDownloader(t)

	checksum := crypto.HashBytes(payload)
	info, err := d.DownloadBundle(context.Background(), srv.URL, "2.0.0", checksum, "", nil)
	require.NoError(t, err)

	assert.Equal(t, store.StatusSuccess, info.Status)
	assert.Equal(t, "2.0.0", info.Version)
	assert.Equal(t, checksum, info.Checksum)
	assert.NotEmpty(t, info.Downloaded)

	got, err := os.ReadFile(bundle.IndexPath(root, info.ID))
	require.NoError(t, err)
	assert.Equal(t, "<html>v2</html>", string(got))

	// The archive itself is removed after extraction.
	_, statErr := os.Stat(bundle.ZipPath(root, info.ID))
	assert.True(t, os.IsNotExist(statErr))

	assert.Equal(t, info, st.GetBundle(info.ID))
}

func TestDownloadBundle_ChecksumMismatchCleansUp(t *testing.T) {
	payload := makeZip(t, map[string]string{"index.html": "<html></html>"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d, st, root := newDownloader(t)

	_, err := d.DownloadBundle(context.Background(), srv.URL, "2.0.0",
		crypto.HashBytes([]byte("something else")), "", nil)
	require.Error(t, err)

	// Failed downloads leave no record and no files behind.
	assert.Empty(t, st.ListBundles())
	entries, _ := os.ReadDir(root)
	assert.Empty(t, entries)
}

func TestDownloadBundle_TraversalEntryFailsAndCleansUp(t *testing.T) {
	payload := makeZip(t, map[string]string{
		"index.html":   "<html></html>",
		"../../pwn.sh": "#!/bin/sh",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d, st, root := newDownloader(t)

	_, err := d.DownloadBundle(context.Background(), srv.URL, "2.0.0", "", "", nil)
	require.Error(t, err)

	assert.Empty(t, st.ListBundles())
	entries, _ := os.ReadDir(root)
	assert.Empty(t, entries)
	// Nothing was written outside the bundles root.
	_, statErr := os.Stat(filepath.Join(root, "..", "..", "pwn.sh"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadBundle_MissingIndexFails(t *testing.T) {
	payload := makeZip(t, map[string]string{"readme.txt": "no entry point"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d, st, _ := newDownloader(t)

	_, err := d.DownloadBundle(context.Background(), srv.URL, "2.0.0", "", "", nil)
	require.Error(t, err)
	assert.Empty(t, st.ListBundles())
}

func TestDownloadBundle_ManifestOnly(t *testing.T) {
	files := map[string]string{
		"index.html":    "<html>v3</html>",
		"assets/app.js": "new app code",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[r.URL.Path[1:]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(content))
	}))
	defer srv.Close()

	d, _, root := newDownloader(t)

	manifest := []api.ManifestEntry{
		{FileName: "index.html", DownloadURL: srv.URL + "/index.html", FileHash: crypto.HashBytes([]byte(files["index.html"]))},
		{FileName: "assets/app.js", DownloadURL: srv.URL + "/assets/app.js", FileHash: crypto.HashBytes([]byte(files["assets/app.js"]))},
	}

	// Empty archive URL: the delta pass assembles the tree on its own.
	info, err := d.DownloadBundle(context.Background(), "", "3.0.0", "", "", manifest)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, info.Status)

	got, err := os.ReadFile(bundle.IndexPath(root, info.ID))
	require.NoError(t, err)
	assert.Equal(t, files["index.html"], string(got))
}

func TestDownloadBundle_ManifestCopiesFromCache(t *testing.T) {
	var fetched []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = append(fetched, r.URL.Path)
		w.Write([]byte("<html>v3</html>"))
	}))
	defer srv.Close()

	d, _, root := newDownloader(t)

	// Seed a known-good tree holding the unchanged asset.
	cacheRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cacheRoot, "assets"), 0o755))
	unchanged := []byte("stable asset")
	require.NoError(t, os.WriteFile(filepath.Join(cacheRoot, "assets", "app.js"), unchanged, 0o644))
	d.SetCacheRoot(cacheRoot)

	manifest := []api.ManifestEntry{
		{FileName: "index.html", DownloadURL: srv.URL + "/index.html", FileHash: crypto.HashBytes([]byte("<html>v3</html>"))},
		{FileName: "assets/app.js", DownloadURL: srv.URL + "/assets/app.js", FileHash: crypto.HashBytes(unchanged)},
	}

	info, err := d.DownloadBundle(context.Background(), "", "3.0.0", "", "", manifest)
	require.NoError(t, err)

	// Only the changed file hit the network.
	assert.Equal(t, []string{"/index.html"}, fetched)

	got, err := os.ReadFile(filepath.Join(bundle.WWWDir(root, info.ID), "assets", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, unchanged, got)
}

func TestDownloadBundle_ReportsProportionalFetchProgress(t *testing.T) {
	// Incompressible payload so the archive spans several read chunks.
	blob := make([]byte, 150*1024)
	rand.New(rand.NewSource(1)).Read(blob)
	payload := makeZip(t, map[string]string{
		"index.html":      "<html>v2</html>",
		"assets/blob.bin": string(blob),
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var seen []int
	d, _, _ := newDownloaderWith(t, testValidator(), func(percent int) {
		mu.Lock()
		seen = append(seen, percent)
		mu.Unlock()
	})

	_, err := d.DownloadBundle(context.Background(), srv.URL, "2.0.0", crypto.HashBytes(payload), "", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 100, seen[len(seen)-1])

	// The transfer reports intermediate points across its band, not one
	// jump to the milestone.
	var intermediate bool
	for _, p := range seen {
		if p > 0 && p < 30 {
			intermediate = true
		}
	}
	assert.True(t, intermediate, "expected progress inside the transfer band, got %v", seen)
}

func TestDownloadBundle_ManifestAccountingResetsBetweenDownloads(t *testing.T) {
	content := strings.Repeat("x", 800)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	// The total budget fits one bundle but not two combined: accounting
	// must start over for every download.
	v := security.NewValidator(10*1024, 1000, 10000.0)
	d, _, _ := newDownloaderWith(t, v, nil)

	manifest := []api.ManifestEntry{{
		FileName:    "index.html",
		DownloadURL: srv.URL + "/index.html",
		FileHash:    crypto.HashBytes([]byte(content)),
	}}

	for i := 0; i < 2; i++ {
		info, err := d.DownloadBundle(context.Background(), "", "3.0.0", "", "", manifest)
		require.NoError(t, err)
		assert.Equal(t, store.StatusSuccess, info.Status)
	}
}

func TestDownloadBundle_ManifestHashMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered content"))
	}))
	defer srv.Close()

	d, st, _ := newDownloader(t)

	manifest := []api.ManifestEntry{
		{FileName: "index.html", DownloadURL: srv.URL + "/index.html", FileHash: crypto.HashBytes([]byte("expected content"))},
	}

	_, err := d.DownloadBundle(context.Background(), "", "3.0.0", "", "", manifest)
	require.Error(t, err)
	assert.Empty(t, st.ListBundles())
}
