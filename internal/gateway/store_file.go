package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"

	"mcpforge/pkg/platformerrors"
)

// registryDocument is the on-disk shape: one JSON document holding the
// whole routing table plus a format version.
type registryDocument struct {
	Templates map[string]TemplateRouting `json:"templates"`
	Version   int                        `json:"version"`
}

const registryDocVersion = 1

// FileStore is the default RegistryStore: a single JSON file written
// atomically via temp-file-then-rename, so a crash mid-write leaves either
// the prior or the new state on disk, never a truncated file.
//
// extra holds any top-level document fields this version of FileStore does
// not know about, so a newer writer's additions survive an older reader's
// Load/Save cycle instead of being silently dropped.
type FileStore struct {
	path  string
	extra map[string]json.RawMessage
}

// NewFileStore targets path (e.g. "$STATE_DIR/gateway-registry.json").
// The parent directory is created if missing.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to create registry store directory")
	}
	return &FileStore{path: path}, nil
}

// Load reads the registry document, returning an empty map if the file
// does not yet exist (first run). Any top-level JSON field besides
// "templates" and "version" is retained in f.extra and re-emitted by Save.
func (f *FileStore) Load() (map[string]TemplateRouting, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]TemplateRouting{}, nil
		}
		return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to read registry store")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to parse registry store")
	}
	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to parse registry store")
	}
	delete(raw, "templates")
	delete(raw, "version")
	f.extra = raw

	if doc.Templates == nil {
		doc.Templates = map[string]TemplateRouting{}
	}
	return doc.Templates, nil
}

// Save writes snapshot via os.CreateTemp in the same directory followed by
// os.Rename, so a reader never observes a partially-written file. Any
// fields captured by a prior Load are merged back in untouched.
func (f *FileStore) Save(snapshot map[string]TemplateRouting) error {
	templatesJSON, err := json.Marshal(snapshot)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to marshal registry store")
	}
	versionJSON, err := json.Marshal(registryDocVersion)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to marshal registry store version")
	}

	out := make(map[string]json.RawMessage, len(f.extra)+2)
	for k, v := range f.extra {
		out[k] = v
	}
	out["templates"] = templatesJSON
	out["version"] = versionJSON

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to marshal registry store")
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".gateway-registry-*.tmp")
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to create temp registry file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to write temp registry file")
	}
	if err := tmp.Close(); err != nil {
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to close temp registry file")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to rename registry store into place")
	}
	return nil
}
