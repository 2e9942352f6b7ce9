package deployment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mcpforge/internal/backend"
	"mcpforge/internal/configproc"
	"mcpforge/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoTemplateYAML = `
id: demo
name: Demo Server
version: "1.0.0"
image: ghcr.io/example/demo:1.0.0
transport:
  default: http
  supported: [http, stdio]
port: 8080
config_schema:
  properties:
    hello_from:
      type: string
      default: "X"
      env_mapping: "HELLO_FROM"
`

func newTestManager(t *testing.T) (*Manager, *backend.MockBackend) {
	t.Helper()
	dir := t.TempDir()
	tplDir := filepath.Join(dir, "demo")
	require.NoError(t, os.MkdirAll(tplDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tplDir, "template.yaml"), []byte(demoTemplateYAML), 0o644))

	reg, err := template.NewRegistry(dir)
	require.NoError(t, err)

	mock := backend.NewMockBackend()
	mgr, err := NewManager(reg, map[string]backend.Backend{"mock": mock}, "mock")
	require.NoError(t, err)
	return mgr, mock
}

func TestDeployThenListReturnsDeployment(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	dep, plan, err := mgr.Deploy(ctx, "demo", configproc.Layers{}, Options{})
	require.NoError(t, err)
	require.Nil(t, plan)
	require.NotNil(t, dep)
	assert.Equal(t, "demo", dep.TemplateID)
	assert.Equal(t, StatusRunning, dep.Status)

	list, err := mgr.List(ctx, "", backend.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, dep.DeploymentID, list[0].DeploymentID)
}

func TestStopThenListShowsStoppedStatus(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	dep, _, err := mgr.Deploy(ctx, "demo", configproc.Layers{}, Options{})
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(ctx, "mock", dep.DeploymentID, 0))

	list, err := mgr.List(ctx, "", backend.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusStopped, list[0].Status)
}

func TestStopIsIdempotentOnAlreadyStopped(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	dep, _, err := mgr.Deploy(ctx, "demo", configproc.Layers{}, Options{})
	require.NoError(t, err)
	require.NoError(t, mgr.Stop(ctx, "mock", dep.DeploymentID, 0))
	require.NoError(t, mgr.Stop(ctx, "mock", dep.DeploymentID, 0))
}

func TestStopUnknownDeploymentIsNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.Stop(context.Background(), "mock", "nonexistent", 0)
	assert.Error(t, err)
}

func TestRedeployWithSameExplicitIDAndConfigIsNoop(t *testing.T) {
	mgr, mock := newTestManager(t)
	ctx := context.Background()

	opts := Options{DeploymentID: "fixed-id"}
	dep1, _, err := mgr.Deploy(ctx, "demo", configproc.Layers{}, opts)
	require.NoError(t, err)

	dep2, _, err := mgr.Deploy(ctx, "demo", configproc.Layers{}, opts)
	require.NoError(t, err)
	assert.Equal(t, dep1.DeploymentID, dep2.DeploymentID)

	all, err := mock.List(ctx, backend.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1, "redeploy with identical config hash must not create a second container")
}

func TestRedeployWithChangedConfigReplacesInstance(t *testing.T) {
	mgr, mock := newTestManager(t)
	ctx := context.Background()

	opts := Options{DeploymentID: "fixed-id"}
	_, _, err := mgr.Deploy(ctx, "demo", configproc.Layers{}, opts)
	require.NoError(t, err)

	dep2, _, err := mgr.Deploy(ctx, "demo", configproc.Layers{CLIConfig: []string{"hello_from=Y"}}, opts)
	require.NoError(t, err)
	assert.Equal(t, "Y", dep2.Config["hello_from"])

	all, err := mock.List(ctx, backend.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Running, "the replacement container must be running under the same id")
}

func TestDryRunDoesNotCallBackend(t *testing.T) {
	mgr, mock := newTestManager(t)
	ctx := context.Background()

	dep, plan, err := mgr.Deploy(ctx, "demo", configproc.Layers{}, Options{DryRun: true})
	require.NoError(t, err)
	assert.Nil(t, dep)
	require.NotNil(t, plan)
	assert.Equal(t, "ghcr.io/example/demo:1.0.0", plan.Image)
	assert.Equal(t, "X", plan.Env["HELLO_FROM"])

	all, err := mock.List(ctx, backend.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStatusAggregatesWorstOfBackendAndHealth(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	dep, _, err := mgr.Deploy(ctx, "demo", configproc.Layers{}, Options{})
	require.NoError(t, err)

	mgr.SetHealthLookup(fakeHealth{healthy: false, known: true})

	status, err := mgr.Status(ctx, "mock", "demo", dep.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, status)
}

type fakeHealth struct {
	healthy bool
	known   bool
}

func (f fakeHealth) IsHealthy(templateID, deploymentID string) (bool, bool) {
	return f.healthy, f.known
}
