package configproc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// setDotted writes value into root at the nested path described by parts,
// creating intermediate maps as needed. Each descent mirrors one "__"
// (for --override) or "." (for --config) segment.
func setDotted(root map[string]interface{}, parts []string, value interface{}) {
	cur := root
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
}

// parseOverrideValue parses raw as JSON when it parses cleanly, otherwise
// keeps it as a plain string.
func parseOverrideValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// parseKeyValue splits a "key=value" pair, returning an error if '=' is absent.
func parseKeyValue(pair string) (string, string, error) {
	idx := strings.Index(pair, "=")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed key=value pair %q: missing '='", pair)
	}
	return pair[:idx], pair[idx+1:], nil
}

// applyCLIConfig applies --config key=value pairs. Keys use "." to
// address nested properties; values are taken as plain strings and later
// coerced against the schema.
func applyCLIConfig(root map[string]interface{}, pairs []string) error {
	for _, pair := range pairs {
		key, val, err := parseKeyValue(pair)
		if err != nil {
			return err
		}
		setDotted(root, strings.Split(key, "."), val)
	}
	return nil
}

// applyOverrides applies --override a__b__c=value pairs.
func applyOverrides(root map[string]interface{}, pairs []string) error {
	for _, pair := range pairs {
		key, val, err := parseKeyValue(pair)
		if err != nil {
			return err
		}
		setDotted(root, strings.Split(key, "__"), parseOverrideValue(val))
	}
	return nil
}
