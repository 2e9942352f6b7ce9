package template

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsNewTemplateDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "demo", demoTemplate)

	reg, err := NewRegistry(dir)
	require.NoError(t, err)
	require.Len(t, reg.List(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	require.NoError(t, reg.Watch(ctx, func() { changes.Add(1) }))

	writeTemplate(t, dir, "second", strings.Replace(demoTemplate, "id: demo", "id: second", 1))

	require.Eventually(t, func() bool {
		_, err := reg.Get("second")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "watcher should refresh the registry after a new descriptor appears")
	assert.GreaterOrEqual(t, changes.Load(), int32(1))
}

func TestWatchReloadsModifiedDescriptor(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "demo", demoTemplate)

	reg, err := NewRegistry(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Watch(ctx, nil))

	writeTemplate(t, dir, "demo", strings.Replace(demoTemplate, "Demo Server", "Renamed Server", 1))

	require.Eventually(t, func() bool {
		desc, err := reg.Get("demo")
		return err == nil && desc.Name == "Renamed Server"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatchOnEmptyRootIsNoop(t *testing.T) {
	reg := &Registry{byID: map[string]*Descriptor{}}
	assert.NoError(t, reg.Watch(context.Background(), nil))
}
