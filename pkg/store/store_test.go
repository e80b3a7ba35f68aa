package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), StorageFileName)
	return Open(path), path
}

func TestStore_FreshInstall(t *testing.T) {
	st, _ := tempStore(t)

	assert.Empty(t, st.CurrentBundleID())
	assert.Empty(t, st.NextBundleID())
	assert.Empty(t, st.FallbackBundleID())
	assert.Empty(t, st.ListBundles())
}

func TestStore_CorruptFileYieldsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), StorageFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	st := Open(path)
	assert.Empty(t, st.ListBundles())
	assert.Empty(t, st.CurrentBundleID())
}

func TestStore_RoundTrip(t *testing.T) {
	st, path := tempStore(t)

	info := &BundleInfo{
		ID:         "b1",
		Version:    "1.2.3",
		Downloaded: "2026-08-24T10:00:00Z",
		Checksum:   "abc123",
		Status:     StatusSuccess,
	}
	require.NoError(t, st.SetBundle(info))
	require.NoError(t, st.SetCurrentBundleID("b1"))
	require.NoError(t, st.SetNextBundleID("b2"))
	require.NoError(t, st.SetFallbackBundleID("b3"))
	require.NoError(t, st.SetChannel("beta"))

	reopened := Open(path)
	assert.Equal(t, "b1", reopened.CurrentBundleID())
	assert.Equal(t, "b2", reopened.NextBundleID())
	assert.Equal(t, "b3", reopened.FallbackBundleID())
	assert.Equal(t, "beta", reopened.Channel())
	assert.Equal(t, info, reopened.GetBundle("b1"))
}

func TestStore_DeviceIDLazyAndStable(t *testing.T) {
	st, path := tempStore(t)

	id, err := st.DeviceID()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := st.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)

	reopened := Open(path)
	persisted, err := reopened.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, persisted)
}

func TestStore_BuiltinIsProtected(t *testing.T) {
	st, _ := tempStore(t)

	err := st.SetBundle(&BundleInfo{ID: BuiltinBundleID, Status: StatusSuccess})
	require.Error(t, err)

	err = st.DeleteBundle(BuiltinBundleID)
	require.Error(t, err)
}

func TestStore_GetBundleReturnsCopy(t *testing.T) {
	st, _ := tempStore(t)
	require.NoError(t, st.SetBundle(&BundleInfo{ID: "b1", Status: StatusDownloading}))

	got := st.GetBundle("b1")
	got.Status = StatusError

	assert.Equal(t, StatusDownloading, st.GetBundle("b1").Status)
}

func TestStore_DeleteUnknownIsNoop(t *testing.T) {
	st, _ := tempStore(t)
	require.NoError(t, st.DeleteBundle("does-not-exist"))
}

func TestStore_DelayConditionsRoundTrip(t *testing.T) {
	st, path := tempStore(t)

	conds := []DelayCondition{
		{Kind: "background"},
		{Kind: "date", Value: "2026-09-01T00:00:00Z"},
	}
	require.NoError(t, st.SetDelayConditions(conds))

	reopened := Open(path)
	assert.Equal(t, conds, reopened.DelayConditions())
}
