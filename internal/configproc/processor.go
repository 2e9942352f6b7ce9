// Package configproc is the configuration processor: it takes a template
// descriptor and up to five ordered configuration layers (schema defaults,
// file, --config pairs, dotted overrides, environment) and produces a
// validated runtime configuration, an environment map, volume-mount
// directives and container command arguments.
package configproc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"mcpforge/internal/template"
	"mcpforge/pkg/platformerrors"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// field is one flattened schema leaf (or object node), used internally to
// walk a possibly-nested config_schema without repeating the recursion at
// every call site.
type field struct {
	path []string
	prop template.Property
}

// Process resolves desc's configuration from layers, validates the result,
// and returns the env map / mount list / command-arg list the Backend
// Abstraction and Deployment Manager need to launch an instance.
func Process(desc *template.Descriptor, layers Layers) (*Result, error) {
	schema := desc.ConfigSchema
	fields := flattenProperties(schema)

	if err := validateReservedEnvMappings(fields); err != nil {
		return nil, err
	}

	values := schemaDefaults(schema)

	if len(layers.File) > 0 {
		fileValues, err := parseFileLayer(layers.File)
		if err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindInvalidConfiguration, err, "failed to parse configuration file")
		}
		if err := mergo.Merge(&values, fileValues, mergo.WithOverride); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindInvalidConfiguration, err, "failed to merge configuration file layer")
		}
	}

	if err := applyCLIConfig(values, layers.CLIConfig); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindInvalidConfiguration, err, "failed to apply --config layer")
	}
	if err := applyOverrides(values, layers.Overrides); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindInvalidConfiguration, err, "failed to apply --override layer")
	}
	applyEnvLayer(values, fields, layers.Env)

	if err := coerceAll(values, fields); err != nil {
		return nil, err
	}

	if err := template.ValidateAgainstSchema(schema, values); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindInvalidConfiguration, err, "configuration failed post-merge validation")
	}

	var sensitive [][]string
	for _, f := range fields {
		if f.prop.Sensitive {
			sensitive = append(sensitive, f.path)
		}
	}

	return &Result{
		Values:         values,
		Env:            buildEnvMap(values, fields),
		VolumeMounts:   buildVolumeMounts(values, fields),
		CommandArgs:    buildCommandArgs(values, schema),
		sensitivePaths: sensitive,
	}, nil
}

// flattenProperties walks schema.Properties depth-first, returning every
// leaf and every nested-object node it visits (nested-object nodes are
// skipped by coerceAll, which only coerces leaves).
func flattenProperties(schema template.ConfigSchema) []field {
	var fields []field
	var walk func(prefix []string, props map[string]template.Property)
	walk = func(prefix []string, props map[string]template.Property) {
		for name, prop := range props {
			path := make([]string, len(prefix), len(prefix)+1)
			copy(path, prefix)
			path = append(path, name)
			fields = append(fields, field{path: path, prop: prop})
			if prop.Type == "object" && len(prop.Properties) > 0 {
				walk(path, prop.Properties)
			}
		}
	}
	walk(nil, schema.Properties)
	return fields
}

// schemaDefaults builds the lowest-precedence layer: a nested map holding
// every property's declared default, mirroring the schema's own shape so
// later layers (which arrive as nested maps too) merge onto it cleanly.
func schemaDefaults(schema template.ConfigSchema) map[string]interface{} {
	var walk func(props map[string]template.Property) map[string]interface{}
	walk = func(props map[string]template.Property) map[string]interface{} {
		m := make(map[string]interface{})
		for name, prop := range props {
			if prop.Type == "object" && len(prop.Properties) > 0 {
				if nested := walk(prop.Properties); len(nested) > 0 {
					m[name] = nested
				}
				continue
			}
			if prop.Default != nil {
				m[name] = prop.Default
			}
		}
		return m
	}
	return walk(schema.Properties)
}

// parseFileLayer parses a JSON or YAML document and expands any dotted
// (a.b.c) or double-underscore (a__b__c) top-level key into the nested
// map it targets, the same path syntax the CLI layers accept. Decoding
// goes through a yaml.Node so keys are applied in document order: when
// two keys target the same property through different spellings, the
// later one wins.
func parseFileLayer(data []byte) (map[string]interface{}, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	node := &root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind == 0 {
		return map[string]interface{}{}, nil // blank or comment-only document
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("configuration file is not a mapping")
	}

	out := make(map[string]interface{}, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var val interface{}
		if err := node.Content[i+1].Decode(&val); err != nil {
			return nil, fmt.Errorf("failed to decode configuration key %q: %w", key, err)
		}
		setDotted(out, splitConfigPath(key), val)
	}
	return out, nil
}

// splitConfigPath splits a configuration-file key into path segments:
// "__" descends one level per occurrence, otherwise "." does.
func splitConfigPath(key string) []string {
	if strings.Contains(key, "__") {
		return strings.Split(key, "__")
	}
	return strings.Split(key, ".")
}

// validateReservedEnvMappings rejects a template that declares env_mapping
// onto a name the platform reserves for itself: the "MCP_" prefix,
// covering the identity variables too.
func validateReservedEnvMappings(fields []field) error {
	for _, f := range fields {
		if f.prop.EnvMapping == "" {
			continue
		}
		if isReservedEnvName(f.prop.EnvMapping) {
			return reservedEnvVarErr(strings.Join(f.path, "."), f.prop.EnvMapping)
		}
	}
	return nil
}

func isReservedEnvName(name string) bool {
	return strings.HasPrefix(strings.ToUpper(name), "MCP_")
}

// applyEnvLayer is the highest-precedence layer: for each leaf with an
// env_mapping, an explicitly set process/injected environment variable of
// that name overrides everything below it.
func applyEnvLayer(values map[string]interface{}, fields []field, env map[string]string) {
	if len(env) == 0 {
		return
	}
	for _, f := range fields {
		if f.prop.EnvMapping == "" {
			continue
		}
		if v, ok := env[f.prop.EnvMapping]; ok {
			setDotted(values, f.path, v)
		}
	}
}

func coerceAll(values map[string]interface{}, fields []field) error {
	for _, f := range fields {
		if f.prop.Type == "object" && len(f.prop.Properties) > 0 {
			continue // structural node, its leaves are coerced individually
		}
		val, ok := getDotted(values, f.path)
		if !ok || val == nil {
			continue
		}
		coerced, err := coerce(strings.Join(f.path, "."), f.prop, val)
		if err != nil {
			return err
		}
		setDotted(values, f.path, coerced)
	}
	return nil
}

func getDotted(root map[string]interface{}, parts []string) (interface{}, bool) {
	var cur interface{} = root
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func buildEnvMap(values map[string]interface{}, fields []field) map[string]string {
	env := make(map[string]string)
	for _, f := range fields {
		if f.prop.EnvMapping == "" {
			continue
		}
		val, ok := getDotted(values, f.path)
		if !ok || val == nil {
			continue
		}
		env[f.prop.EnvMapping] = stringify(val)
	}
	return env
}

// buildVolumeMounts splits a volume_mount property's value on whitespace
// or commas and parses each segment as "host:container".
func buildVolumeMounts(values map[string]interface{}, fields []field) []VolumeMount {
	var mounts []VolumeMount
	for _, f := range fields {
		if !f.prop.VolumeMount {
			continue
		}
		val, ok := getDotted(values, f.path)
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok {
			continue
		}
		for _, segment := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
			hostContainer := strings.SplitN(segment, ":", 2)
			if len(hostContainer) != 2 {
				continue
			}
			mounts = append(mounts, VolumeMount{
				PropertyPath:  strings.Join(f.path, "."),
				HostPath:      hostContainer[0],
				ContainerPath: hostContainer[1],
			})
		}
	}
	return mounts
}

// buildCommandArgs appends command_arg-flagged top-level properties to the
// container command line in schema-declaration order.
func buildCommandArgs(values map[string]interface{}, schema template.ConfigSchema) []string {
	var args []string
	for _, name := range schema.PropertyOrder {
		prop := schema.Properties[name]
		if !prop.CommandArg {
			continue
		}
		val, ok := values[name]
		if !ok || val == nil {
			continue
		}
		args = append(args, stringify(val))
	}
	return args
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
