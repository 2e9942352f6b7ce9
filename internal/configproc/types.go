package configproc

// VolumeMount is one bind mount emitted by a `volume_mount: true`
// property. Multiple whitespace- or comma-separated paths in a single
// property value each yield their own VolumeMount.
type VolumeMount struct {
	PropertyPath  string
	HostPath      string
	ContainerPath string
}

// Layers are the up-to-five ordered configuration inputs the Configuration
// Processor accepts, lowest precedence first: schema defaults are implicit
// (taken from the template descriptor itself, not part of Layers).
type Layers struct {
	// File is a raw JSON or YAML document (config.yaml / config.json).
	File []byte

	// CLIConfig holds "key=value" pairs from repeated --config flags.
	// Keys may use "." to address nested properties.
	CLIConfig []string

	// Overrides holds "a__b__c=value" pairs from repeated --override
	// flags; each "__" descends one level. The terminal value is parsed
	// as JSON when it parses, kept as a string otherwise.
	Overrides []string

	// Env is the explicit-environment-variables layer: the process
	// environment (or an injected stand-in, for testing) consulted for
	// each schema leaf's env_mapping name.
	Env map[string]string
}

// Result is everything the deployment manager and backend need once a
// template's configuration has been fully resolved.
type Result struct {
	Values       map[string]interface{}
	Env          map[string]string
	VolumeMounts []VolumeMount
	CommandArgs  []string

	// sensitivePaths records which properties were declared sensitive, so
	// Redacted can mask them without re-walking the schema.
	sensitivePaths [][]string
}

// Redacted returns a copy of Values with every sensitive property's value
// replaced by a mask, for safe inclusion in logs and dry-run echoes. The
// original Values map is never modified.
func (r *Result) Redacted() map[string]interface{} {
	out := deepCopyMap(r.Values)
	for _, path := range r.sensitivePaths {
		if _, ok := getDotted(out, path); ok {
			setDotted(out, path, "***")
		}
	}
	return out
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
