package backend

import (
	"context"
	"errors"
	"io"
	"testing"

	"mcpforge/pkg/platformerrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockDeployAssignsUniqueIDs(t *testing.T) {
	m := NewMockBackend()
	ctx := context.Background()

	d1, err := m.Deploy(ctx, DeployRequest{TemplateID: "demo", Image: "img"})
	require.NoError(t, err)
	d2, err := m.Deploy(ctx, DeployRequest{TemplateID: "demo", Image: "img"})
	require.NoError(t, err)

	assert.NotEqual(t, d1.ID, d2.ID)
	assert.True(t, d1.Running)
	assert.Equal(t, ManagedByValue, d1.Labels[LabelManagedBy])
	assert.Equal(t, "demo", d1.Labels[LabelTemplate])
}

func TestMockDeployHonorsExplicitID(t *testing.T) {
	m := NewMockBackend()
	d, err := m.Deploy(context.Background(), DeployRequest{TemplateID: "demo", DeploymentID: "pinned"})
	require.NoError(t, err)
	assert.Equal(t, "pinned", d.ID)
}

func TestMockListFiltersByTemplate(t *testing.T) {
	m := NewMockBackend()
	ctx := context.Background()

	_, err := m.Deploy(ctx, DeployRequest{TemplateID: "alpha"})
	require.NoError(t, err)
	_, err = m.Deploy(ctx, DeployRequest{TemplateID: "beta"})
	require.NoError(t, err)

	all, err := m.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	alphas, err := m.List(ctx, ListFilter{TemplateID: "alpha"})
	require.NoError(t, err)
	require.Len(t, alphas, 1)
	assert.Equal(t, "alpha", alphas[0].TemplateID)
}

func TestMockStopMarksNotRunning(t *testing.T) {
	m := NewMockBackend()
	ctx := context.Background()

	d, err := m.Deploy(ctx, DeployRequest{TemplateID: "demo"})
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx, d.ID, 0))

	all, err := m.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Running)
}

func TestMockStopUnknownIDIsNotFound(t *testing.T) {
	m := NewMockBackend()
	err := m.Stop(context.Background(), "missing", 0)
	require.Error(t, err)

	var perr *platformerrors.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, platformerrors.KindNotFound, perr.Kind)
}

func TestMockLogsAndExecRequireKnownID(t *testing.T) {
	m := NewMockBackend()
	ctx := context.Background()

	_, err := m.Logs(ctx, "missing", 0, false)
	assert.Error(t, err)
	_, err = m.Exec(ctx, "missing", []string{"sh"}, nil)
	assert.Error(t, err)

	d, err := m.Deploy(ctx, DeployRequest{TemplateID: "demo"})
	require.NoError(t, err)

	logs, err := m.Logs(ctx, d.ID, 10, false)
	require.NoError(t, err)
	defer logs.Close()
	data, err := io.ReadAll(logs)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
