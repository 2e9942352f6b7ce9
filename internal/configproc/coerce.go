package configproc

import (
	"encoding/json"
	"strconv"
	"strings"

	"mcpforge/internal/template"
)

// coerce converts a raw value (typically a string, since it may have
// arrived from a CLI flag, override, or environment variable) into the
// Go type implied by prop.Type.
// Values that already arrived as native JSON/YAML types (from the file
// layer or schema defaults) pass through unchanged when they already
// match, and are coerced when given as their string form.
func coerce(path string, prop template.Property, value interface{}) (interface{}, error) {
	switch prop.Type {
	case "", "string":
		return coerceString(path, value)
	case "boolean":
		return coerceBool(path, value)
	case "integer":
		return coerceInt(path, value)
	case "number":
		return coerceFloat(path, value)
	case "list":
		return coerceList(path, value)
	case "object":
		return coerceObject(path, value)
	default:
		return value, nil
	}
}

func coerceString(path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, invalidConfigurationErr(path, "string", value)
		}
		return string(b), nil
	}
}

func coerceBool(path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
	}
	return nil, invalidConfigurationErr(path, "boolean", value)
}

func coerceInt(path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, invalidConfigurationErr(path, "integer", value)
		}
		return n, nil
	}
	return nil, invalidConfigurationErr(path, "integer", value)
}

func coerceFloat(path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, invalidConfigurationErr(path, "number", value)
		}
		return f, nil
	}
	return nil, invalidConfigurationErr(path, "number", value)
}

// coerceList accepts a native slice as-is, or a comma-separated string
// split into a []string.
func coerceList(path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case []interface{}:
		return v, nil
	case []string:
		return v, nil
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	}
	return nil, invalidConfigurationErr(path, "list", value)
}

// coerceObject accepts a native map as-is, or a JSON-object string.
func coerceObject(path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		return v, nil
	case string:
		var out map[string]interface{}
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, invalidConfigurationErr(path, "object", value)
		}
		return out, nil
	}
	return nil, invalidConfigurationErr(path, "object", value)
}
