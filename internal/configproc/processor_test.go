package configproc

import (
	"os"
	"path/filepath"
	"testing"

	"mcpforge/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoDescriptor() *template.Descriptor {
	return &template.Descriptor{
		ID:      "demo",
		Name:    "Demo",
		Version: "1.0.0",
		Image:   "ghcr.io/example/demo:1.0.0",
		ConfigSchema: template.ConfigSchema{
			PropertyOrder: []string{"hello_from", "port", "verbose", "data_dir", "tags"},
			Properties: map[string]template.Property{
				"hello_from": {Type: "string", Default: "X", EnvMapping: "HELLO_FROM"},
				"port":       {Type: "integer", Default: float64(8080), CommandArg: true},
				"verbose":    {Type: "boolean", Default: false},
				"data_dir":   {Type: "string", VolumeMount: true},
				"tags":       {Type: "list"},
			},
		},
	}
}

// TestPrecedenceChain walks four layers at once:
// schema default "X" < file "Y" < --config "Z" < env "W" wins.
func TestPrecedenceChain(t *testing.T) {
	desc := demoDescriptor()

	result, err := Process(desc, Layers{
		File:      []byte(`hello_from: "Y"`),
		CLIConfig: []string{"hello_from=Z"},
		Env:       map[string]string{"HELLO_FROM": "W"},
	})
	require.NoError(t, err)
	assert.Equal(t, "W", result.Values["hello_from"])
	assert.Equal(t, "W", result.Env["HELLO_FROM"])
}

func TestPrecedenceFileOnly(t *testing.T) {
	desc := demoDescriptor()
	result, err := Process(desc, Layers{File: []byte(`hello_from: "Y"`)})
	require.NoError(t, err)
	assert.Equal(t, "Y", result.Values["hello_from"])
}

func TestDefaultAppliesWithNoLayers(t *testing.T) {
	desc := demoDescriptor()
	result, err := Process(desc, Layers{})
	require.NoError(t, err)
	assert.Equal(t, "X", result.Values["hello_from"])
}

func TestFileLayerExpandsDottedAndDoubleUnderscoreKeys(t *testing.T) {
	desc := demoDescriptor()
	desc.ConfigSchema.Properties["database"] = template.Property{
		Type: "object",
		Properties: map[string]template.Property{
			"host": {Type: "string", Default: "localhost"},
			"port": {Type: "integer", Default: float64(5432)},
		},
	}

	result, err := Process(desc, Layers{File: []byte(`
database.host: db.internal
database__port: 6432
`)})
	require.NoError(t, err)
	database := result.Values["database"].(map[string]interface{})
	assert.Equal(t, "db.internal", database["host"])
	assert.Equal(t, 6432, database["port"])
}

func TestFileLayerLaterKeyWinsOnConflict(t *testing.T) {
	desc := demoDescriptor()
	desc.ConfigSchema.Properties["database"] = template.Property{
		Type: "object",
		Properties: map[string]template.Property{
			"host": {Type: "string"},
		},
	}

	result, err := Process(desc, Layers{File: []byte(`
database.host: first
database__host: second
`)})
	require.NoError(t, err)
	database := result.Values["database"].(map[string]interface{})
	assert.Equal(t, "second", database["host"])
}

func TestOverrideDottedPath(t *testing.T) {
	desc := demoDescriptor()
	desc.ConfigSchema.Properties["nested"] = template.Property{
		Type: "object",
		Properties: map[string]template.Property{
			"inner": {Type: "string", Default: "base"},
		},
	}
	result, err := Process(desc, Layers{Overrides: []string{"nested__inner=overridden"}})
	require.NoError(t, err)
	nested := result.Values["nested"].(map[string]interface{})
	assert.Equal(t, "overridden", nested["inner"])
}

func TestOverrideValueParsedAsJSONWhenPossible(t *testing.T) {
	desc := demoDescriptor()
	result, err := Process(desc, Layers{Overrides: []string{"port=9090"}})
	require.NoError(t, err)
	assert.Equal(t, 9090, result.Values["port"])
}

func TestTypeCoercionBooleanFromString(t *testing.T) {
	desc := demoDescriptor()
	result, err := Process(desc, Layers{CLIConfig: []string{"verbose=yes"}})
	require.NoError(t, err)
	assert.Equal(t, true, result.Values["verbose"])
}

func TestTypeCoercionListFromCommaSeparatedString(t *testing.T) {
	desc := demoDescriptor()
	result, err := Process(desc, Layers{CLIConfig: []string{"tags=a,b,c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, result.Values["tags"])
}

func TestCoercionFailureReturnsInvalidConfiguration(t *testing.T) {
	desc := demoDescriptor()
	_, err := Process(desc, Layers{CLIConfig: []string{"port=not-a-number"}})
	require.Error(t, err)
}

func TestReservedEnvMappingRejected(t *testing.T) {
	desc := demoDescriptor()
	desc.ConfigSchema.Properties["bad"] = template.Property{Type: "string", EnvMapping: "MCP_TEMPLATE_ID"}
	_, err := Process(desc, Layers{})
	require.Error(t, err)
}

func TestVolumeMountSplitsMultiplePaths(t *testing.T) {
	desc := demoDescriptor()
	result, err := Process(desc, Layers{CLIConfig: []string{"data_dir=/host/a:/container/a,/host/b:/container/b"}})
	require.NoError(t, err)
	require.Len(t, result.VolumeMounts, 2)
	assert.Equal(t, "/host/a", result.VolumeMounts[0].HostPath)
	assert.Equal(t, "/container/a", result.VolumeMounts[0].ContainerPath)
	assert.Equal(t, "/host/b", result.VolumeMounts[1].HostPath)
}

// TestCommandArgsFollowSchemaDeclarationOrder loads a descriptor from an
// actual YAML file through template.Registry, rather than a hand-built
// Descriptor literal, because a Go struct literal's PropertyOrder field
// can't exercise the parser's declaration-order recovery: command_arg
// values must be appended to the container command line in
// schema-declaration order. The two command_arg
// properties are declared out of alphabetical order (zebra before mango)
// so a regression to alphabetical sorting would flip the expected output.
func TestCommandArgsFollowSchemaDeclarationOrder(t *testing.T) {
	dir := t.TempDir()
	tplDir := filepath.Join(dir, "ordered")
	require.NoError(t, os.MkdirAll(tplDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tplDir, "template.yaml"), []byte(`
id: ordered
name: Ordered
version: "1.0.0"
image: ghcr.io/example/ordered:1.0.0
transport: {default: http, supported: [http]}
config_schema:
  properties:
    zebra:
      type: string
      default: "Z"
      command_arg: true
    mango:
      type: string
      default: "M"
      command_arg: true
    apple:
      type: string
      default: "not-a-flag"
`), 0o644))

	reg, err := template.NewRegistry(dir)
	require.NoError(t, err)
	desc, err := reg.Get("ordered")
	require.NoError(t, err)

	result, err := Process(&desc, Layers{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Z", "M"}, result.CommandArgs)
}

func TestSensitivePropertyNeverLogged(t *testing.T) {
	desc := demoDescriptor()
	desc.ConfigSchema.Properties["api_key"] = template.Property{Type: "string", Sensitive: true, EnvMapping: "API_KEY"}
	result, err := Process(desc, Layers{CLIConfig: []string{"api_key=super-secret"}})
	require.NoError(t, err)
	assert.Equal(t, "super-secret", result.Env["API_KEY"])

	redacted := result.Redacted()
	assert.Equal(t, "***", redacted["api_key"])
	assert.Equal(t, "super-secret", result.Values["api_key"], "Redacted must not mutate the original values")
}
