package template

import "fmt"

// ValidateAgainstSchema checks that values satisfies schema's required
// properties, enum/anyOf/oneOf constraints, and numeric ranges. It is
// shared by the template registry (validating declared defaults) and the
// configuration processor (validating a fully merged, coerced
// configuration).
func ValidateAgainstSchema(schema ConfigSchema, values map[string]interface{}) error {
	for name, prop := range schema.Properties {
		value, present := values[name]
		if prop.Required && !present {
			return fmt.Errorf("property %q is required", name)
		}
		if !present || value == nil {
			continue
		}
		if err := validateLeaf(name, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func validateLeaf(name string, prop Property, value interface{}) error {
	if len(prop.Enum) > 0 {
		s, ok := asString(value)
		if !ok || !contains(prop.Enum, s) {
			return fmt.Errorf("property %q: value %v is not one of %v", name, value, prop.Enum)
		}
	}
	if len(prop.AnyOf) > 0 {
		s, ok := asString(value)
		matched := false
		if ok {
			for _, group := range prop.AnyOf {
				if contains(group, s) {
					matched = true
					break
				}
			}
		}
		if !matched {
			return fmt.Errorf("property %q: value %v satisfies none of anyOf %v", name, value, prop.AnyOf)
		}
	}
	if len(prop.OneOf) > 0 {
		s, ok := asString(value)
		count := 0
		if ok {
			for _, group := range prop.OneOf {
				if contains(group, s) {
					count++
				}
			}
		}
		if count != 1 {
			return fmt.Errorf("property %q: value %v must satisfy exactly one of oneOf %v, matched %d", name, value, prop.OneOf, count)
		}
	}
	if prop.Minimum != nil || prop.Maximum != nil {
		f, ok := asFloat(value)
		if ok {
			if prop.Minimum != nil && f < *prop.Minimum {
				return fmt.Errorf("property %q: value %v is below minimum %v", name, value, *prop.Minimum)
			}
			if prop.Maximum != nil && f > *prop.Maximum {
				return fmt.Errorf("property %q: value %v exceeds maximum %v", name, value, *prop.Maximum)
			}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
