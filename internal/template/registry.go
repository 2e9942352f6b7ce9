// Package template is the template registry: it walks a directory tree of
// template descriptors, parses and validates each one against a fixed
// meta-schema, and exposes them by id.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"mcpforge/pkg/logging"

	"gopkg.in/yaml.v3"
)

const logSubsystem = "TemplateRegistry"

// descriptorFileNames are the accepted names for a template's descriptor,
// checked in order at the root of each template subdirectory.
var descriptorFileNames = []string{"template.yaml", "template.yml", "template.json"}

// Registry is the sole source of template identity for the rest of the
// platform; every other component receives a resolved Descriptor from it.
type Registry struct {
	mu   sync.RWMutex
	root string
	byID map[string]*Descriptor
}

// NewRegistry creates a Registry rooted at dir and performs an initial load.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{root: dir, byID: make(map[string]*Descriptor)}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh re-walks the template directory tree and atomically replaces the
// in-memory set. Templates are read-only once loaded; Refresh is the only
// way to pick up on-disk changes.
func (r *Registry) Refresh() error {
	if r.root == "" {
		r.mu.Lock()
		r.byID = make(map[string]*Descriptor)
		r.mu.Unlock()
		return nil
	}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Warn(logSubsystem, "template directory does not exist: %s", r.root)
			r.mu.Lock()
			r.byID = make(map[string]*Descriptor)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read template directory %s: %w", r.root, err)
	}

	next := make(map[string]*Descriptor)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		desc, err := loadDescriptorFromDir(dir)
		if err != nil {
			logging.Error(logSubsystem, err, "skipping invalid template directory %s", dir)
			continue
		}
		if desc == nil {
			continue // no descriptor file present, not a template directory
		}
		if err := Validate(desc); err != nil {
			logging.Error(logSubsystem, err, "skipping invalid template %s", desc.ID)
			continue
		}
		if existing, ok := next[desc.ID]; ok {
			logging.Warn(logSubsystem, "duplicate template id %s (%s overrides %s)", desc.ID, dir, existing.SourcePath)
		}
		next[desc.ID] = desc
	}

	r.mu.Lock()
	r.byID = next
	r.mu.Unlock()

	logging.Info(logSubsystem, "loaded %d templates from %s", len(next), r.root)
	return nil
}

// Get returns the descriptor for id, or a TemplateNotFound error.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.byID[id]
	if !ok {
		return Descriptor{}, NotFoundError(id)
	}
	return *desc, nil
}

// List returns every loaded template, sorted by id for deterministic output.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byID))
	for _, desc := range r.byID {
		out = append(out, *desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func loadDescriptorFromDir(dir string) (*Descriptor, error) {
	for _, name := range descriptorFileNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		desc, err := parseDescriptor(data)
		if err != nil {
			return nil, InvalidError(path, err.Error())
		}
		desc.SourcePath = path
		if desc.Origin == "" {
			desc.Origin = OriginUser
		}
		return desc, nil
	}
	return nil, nil
}

// parseDescriptor unmarshals YAML (a superset that also reads JSON
// documents) into a Descriptor, preserving unknown top-level keys in
// Extra.
//
// Decoding goes through a yaml.Node tree rather than map[string]interface{}
// because a Go map has no order: config_schema.properties must come out in
// file declaration order so the configuration processor can emit
// command_arg values in schema-declaration order. A
// yaml.Node's MappingNode.Content alternates key/value nodes in the order
// they appeared in the document, which a plain map decode discards.
func parseDescriptor(data []byte) (*Descriptor, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	doc := documentRoot(&root)
	if doc == nil {
		return nil, fmt.Errorf("descriptor is not a mapping document")
	}

	var desc Descriptor
	if err := doc.Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}

	known := map[string]bool{
		"id": true, "name": true, "version": true, "image": true,
		"transport": true, "port": true, "config_schema": true,
		"tools": true, "category": true, "author": true,
	}
	extra := make(map[string]interface{})
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if known[key] {
			continue
		}
		var v interface{}
		if err := doc.Content[i+1].Decode(&v); err != nil {
			return nil, fmt.Errorf("failed to decode field %q: %w", key, err)
		}
		extra[key] = v
	}
	if len(extra) > 0 {
		desc.Extra = extra
	}

	// Preserve declaration order of config_schema properties for
	// command-arg emission.
	if schema := mappingChild(doc, "config_schema"); schema != nil {
		if props := mappingChild(schema, "properties"); props != nil {
			order := make([]string, 0, len(props.Content)/2)
			for i := 0; i+1 < len(props.Content); i += 2 {
				order = append(order, props.Content[i].Value)
			}
			desc.ConfigSchema.PropertyOrder = order
		}
	}

	return &desc, nil
}

// documentRoot unwraps a parsed yaml.Node down to the top-level mapping
// node: yaml.Unmarshal into a *yaml.Node always produces a DocumentNode
// wrapping the real content. Returns nil if the document isn't a mapping.
func documentRoot(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	if n.Kind != yaml.MappingNode {
		return nil
	}
	return n
}

// mappingChild returns the value node for key within mapping node n's
// Content, or nil if n isn't a mapping or key isn't present.
func mappingChild(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// Validate checks a descriptor against the fixed meta-schema (required
// keys, id shape, default-validity). Returns InvalidTemplate on failure.
func Validate(desc *Descriptor) (err error) {
	defer func() {
		if err != nil {
			err = InvalidError(desc.SourcePath, err.Error())
		}
	}()
	if desc.ID == "" {
		return fmt.Errorf("missing required field: id")
	}
	if !isValidID(desc.ID) {
		return fmt.Errorf("invalid id %q: must be lowercase alphanumeric and hyphens", desc.ID)
	}
	if desc.Name == "" {
		return fmt.Errorf("missing required field: name")
	}
	if desc.Version == "" {
		return fmt.Errorf("missing required field: version")
	}
	if desc.Image == "" {
		return fmt.Errorf("missing required field: image")
	}
	if desc.Transport.Default == "" {
		return fmt.Errorf("missing required field: transport.default")
	}
	if !desc.Transport.Supports(desc.Transport.Default) {
		return fmt.Errorf("transport.default %q is not listed in transport.supported", desc.Transport.Default)
	}
	if desc.ConfigSchema.Properties == nil {
		return fmt.Errorf("missing required field: config_schema")
	}

	// A template's config_schema must validate its own declared defaults.
	defaults := make(map[string]interface{}, len(desc.ConfigSchema.Properties))
	for name, prop := range desc.ConfigSchema.Properties {
		if prop.Default != nil {
			defaults[name] = prop.Default
		}
	}
	if err := ValidateAgainstSchema(desc.ConfigSchema, defaults); err != nil {
		return fmt.Errorf("declared defaults fail schema validation: %w", err)
	}

	return nil
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return !strings.HasPrefix(id, "-") && !strings.HasSuffix(id, "-")
}
