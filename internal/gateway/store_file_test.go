package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreLoadOnMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileStoreSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	snapshot := map[string]TemplateRouting{
		"demo": {
			Instances: []Instance{{InstanceID: "i1", Weight: 2}},
			Policy:    DefaultLoadBalancerConfig(),
		},
	}
	require.NoError(t, store.Save(snapshot))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Contains(t, loaded, "demo")
	assert.Equal(t, 2, loaded["demo"].Instances[0].Weight)

	// no stray temp file should survive a successful save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStorePreservesUnknownTopLevelFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"templates": {},
		"version": 1,
		"written_by": "some-future-writer"
	}`), 0o644))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Load()
	require.NoError(t, err)
	require.NoError(t, store.Save(map[string]TemplateRouting{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "some-future-writer", out["written_by"])
}

func TestNewRegistryLoadsFromFileStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	reg, err := NewRegistry(store)
	require.NoError(t, err)
	reg.Register("demo", Instance{InstanceID: "i1"})

	reg2, err := NewRegistry(store)
	require.NoError(t, err)
	routing, err := reg2.Get("demo")
	require.NoError(t, err)
	assert.Len(t, routing.Instances, 1)
}
