package deployment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"mcpforge/internal/backend"
	"mcpforge/internal/configproc"
	"mcpforge/internal/template"
	"mcpforge/pkg/logging"
)

const logSubsystem = "DeploymentManager"

// HealthLookup is the narrow view of the gateway registry the manager
// needs for status aggregation: backend-reported container state combined
// with the most recent gateway health probe. The gateway package
// implements this; a nil HealthLookup simply means status is backend-only.
type HealthLookup interface {
	// IsHealthy reports whether deploymentID is registered with the
	// gateway and, if so, whether its most recent probe succeeded.
	// known is false if the deployment isn't registered as an instance.
	IsHealthy(templateID, deploymentID string) (healthy bool, known bool)
}

// Manager composes the template registry, configuration processor and
// backend to realize, inspect and tear down deployments.
type Manager struct {
	registry       *template.Registry
	backends       map[string]backend.Backend
	defaultBackend string
	health         HealthLookup

	mu      sync.RWMutex
	known   map[string]Deployment         // deployment_id -> last-known record (config snapshot, etc.)
	results map[string]*configproc.Result // deployment_id -> resolved config, for Restart
}

// NewManager constructs a Manager. backends must contain at least the
// entry named defaultBackend.
func NewManager(registry *template.Registry, backends map[string]backend.Backend, defaultBackend string) (*Manager, error) {
	if _, ok := backends[defaultBackend]; !ok {
		return nil, unknownBackendErr(defaultBackend)
	}
	return &Manager{
		registry:       registry,
		backends:       backends,
		defaultBackend: defaultBackend,
		known:          make(map[string]Deployment),
		results:        make(map[string]*configproc.Result),
	}, nil
}

// SetHealthLookup wires the gateway's health view in after both the
// manager and the gateway have been constructed (they have a circular
// dependency: the manager registers instances with the gateway, the
// gateway's health feeds back into the manager's status aggregation).
func (m *Manager) SetHealthLookup(h HealthLookup) {
	m.health = h
}

func (m *Manager) backendFor(kind string) (backend.Backend, string, error) {
	if kind == "" {
		kind = m.defaultBackend
	}
	b, ok := m.backends[kind]
	if !ok {
		return nil, "", unknownBackendErr(kind)
	}
	return b, kind, nil
}

// Deploy realizes templateID with the given configuration layers. If
// opts.DryRun is set, no backend call is made and a Plan describing the
// would-be deployment is returned instead.
//
// Idempotency: redeploying with the same (template_id, config snapshot
// hash, explicit id) tuple is a no-op if a running deployment with that
// identity already exists; otherwise any existing deployment under that
// id is stopped and replaced.
func (m *Manager) Deploy(ctx context.Context, templateID string, layers configproc.Layers, opts Options) (*Deployment, *Plan, error) {
	desc, err := m.registry.Get(templateID)
	if err != nil {
		return nil, nil, err
	}

	result, err := configproc.Process(&desc, layers)
	if err != nil {
		return nil, nil, err
	}
	logging.Debug(logSubsystem, "resolved config for %s: %v", templateID, result.Redacted())

	hash := configHash(templateID, result.Values, opts.DeploymentID)

	if opts.DryRun {
		return nil, &Plan{
			TemplateID:   templateID,
			DeploymentID: opts.DeploymentID,
			ConfigHash:   hash,
			Env:          result.Env,
			VolumeMounts: mountStrings(result.VolumeMounts),
			CommandArgs:  result.CommandArgs,
			Image:        desc.Image,
		}, nil
	}

	b, backendKind, err := m.backendFor(opts.BackendKind)
	if err != nil {
		return nil, nil, err
	}

	if opts.DeploymentID != "" {
		if existing, ok := m.lookupKnown(opts.DeploymentID); ok && existing.Status == StatusRunning {
			if existing.ConfigHash() == hash {
				logging.Info(logSubsystem, "redeploy %s is a no-op: identical config hash", opts.DeploymentID)
				return &existing, nil, nil
			}
			logging.Info(logSubsystem, "redeploying %s: config changed, stopping previous instance", opts.DeploymentID)
			if err := b.Stop(ctx, opts.DeploymentID, 10*time.Second); err != nil {
				logging.Warn(logSubsystem, "failed to stop previous instance %s before redeploy: %v", opts.DeploymentID, err)
			}
		}
	}

	port := opts.Port
	if port == 0 {
		port = desc.Port
	}

	req := backend.DeployRequest{
		TemplateID:   templateID,
		DeploymentID: opts.DeploymentID,
		Image:        desc.Image,
		Env:          result.Env,
		Mounts:       mountStrings(result.VolumeMounts),
		Args:         result.CommandArgs,
		Port:         port,
	}

	bd, err := b.Deploy(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	rec := backendDeploymentToRecord(*bd, backendKind, result.Values, req.Network)
	rec.setConfigHash(hash)

	m.mu.Lock()
	m.known[rec.DeploymentID] = rec
	m.results[rec.DeploymentID] = result
	m.mu.Unlock()

	return &rec, nil, nil
}

// Stop tears down deploymentID. Idempotent: stopping a deployment the
// manager already recorded as stopped is a no-op that does not call the
// backend again, since a real backend may remove a stopped container's
// runtime record entirely, which would otherwise surface as NotFound on a
// second call.
func (m *Manager) Stop(ctx context.Context, backendKind, deploymentID string, timeout time.Duration) error {
	if rec, ok := m.lookupKnown(deploymentID); ok && rec.Status == StatusStopped {
		return nil
	}

	b, _, err := m.backendFor(backendKind)
	if err != nil {
		return err
	}
	if err := b.Stop(ctx, deploymentID, timeout); err != nil {
		return err
	}
	m.mu.Lock()
	if rec, ok := m.known[deploymentID]; ok {
		rec.Status = StatusStopped
		m.known[deploymentID] = rec
	}
	m.mu.Unlock()
	return nil
}

// Restart is a stop-then-deploy-again using the exact configuration
// resolved for deploymentID's original Deploy call, not a rolling update.
// It does not re-run the configuration layers, since the file/CLI/env
// layers supplied at deploy time may no longer be available to the caller
// issuing the restart.
func (m *Manager) Restart(ctx context.Context, deploymentID string, timeout time.Duration) (*Deployment, error) {
	m.mu.RLock()
	rec, recOK := m.known[deploymentID]
	result, resOK := m.results[deploymentID]
	m.mu.RUnlock()
	if !recOK || !resOK {
		return nil, notFoundErr(deploymentID)
	}

	if err := m.Stop(ctx, rec.BackendKind, deploymentID, timeout); err != nil {
		return nil, err
	}

	b, backendKind, err := m.backendFor(rec.BackendKind)
	if err != nil {
		return nil, err
	}

	desc, err := m.registry.Get(rec.TemplateID)
	if err != nil {
		return nil, err
	}

	req := backend.DeployRequest{
		TemplateID:   rec.TemplateID,
		DeploymentID: deploymentID,
		Image:        desc.Image,
		Env:          result.Env,
		Mounts:       mountStrings(result.VolumeMounts),
		Args:         result.CommandArgs,
	}

	bd, err := b.Deploy(ctx, req)
	if err != nil {
		return nil, err
	}

	newRec := backendDeploymentToRecord(*bd, backendKind, result.Values, req.Network)
	newRec.setConfigHash(rec.ConfigHash())

	m.mu.Lock()
	m.known[newRec.DeploymentID] = newRec
	m.results[newRec.DeploymentID] = result
	m.mu.Unlock()

	return &newRec, nil
}

// Status returns deploymentID's aggregated status: the worse of the
// backend-reported container state and the most recent gateway health
// probe, if registered.
func (m *Manager) Status(ctx context.Context, backendKind, templateID, deploymentID string) (Status, error) {
	b, _, err := m.backendFor(backendKind)
	if err != nil {
		return "", err
	}
	deployments, err := b.List(ctx, backend.ListFilter{TemplateID: templateID})
	if err != nil {
		return "", err
	}
	var status Status
	found := false
	for _, d := range deployments {
		if d.ID != deploymentID {
			continue
		}
		found = true
		status = StatusRunning
		if !d.Running {
			status = StatusStopped
		}
		break
	}
	if !found {
		return "", notFoundErr(deploymentID)
	}

	if m.health != nil {
		if healthy, known := m.health.IsHealthy(templateID, deploymentID); known && !healthy {
			status = worseOf(status, StatusUnhealthy)
		}
	}
	return status, nil
}

// List returns every deployment known to backendKind, optionally narrowed
// to one template, with status aggregated the same way Status is.
func (m *Manager) List(ctx context.Context, backendKind string, filter backend.ListFilter) ([]Deployment, error) {
	b, kind, err := m.backendFor(backendKind)
	if err != nil {
		return nil, err
	}
	raw, err := b.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Deployment, 0, len(raw))
	for _, d := range raw {
		cfg := map[string]interface{}(nil)
		if known, ok := m.known[d.ID]; ok {
			cfg = known.Config
		}
		rec := backendDeploymentToRecord(d, kind, cfg, "")
		if m.health != nil {
			if healthy, isKnown := m.health.IsHealthy(d.TemplateID, d.ID); isKnown && !healthy {
				rec.Status = worseOf(rec.Status, StatusUnhealthy)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Manager) lookupKnown(id string) (Deployment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.known[id]
	return d, ok
}

func (d *Deployment) setConfigHash(h string) {
	d.configHash = h
}

// ConfigHash returns the idempotency hash recorded at deploy time.
func (d *Deployment) ConfigHash() string {
	return d.configHash
}

// configHash computes a stable hash over (templateID, values, explicitID)
// for redeploy idempotency.
func configHash(templateID string, values map[string]interface{}, explicitID string) string {
	canon := canonicalize(values)
	payload, _ := json.Marshal(struct {
		Template string      `json:"template_id"`
		Explicit string      `json:"explicit_id"`
		Values   interface{} `json:"values"`
	}{templateID, explicitID, canon})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// canonicalize recursively sorts map keys so that json.Marshal produces a
// byte-identical encoding regardless of Go's randomized map iteration
// order; processing the same inputs twice hashes identically.
func canonicalize(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]struct {
			K string
			V interface{}
		}, 0, len(keys))
		for _, k := range keys {
			out = append(out, struct {
				K string
				V interface{}
			}{k, canonicalize(x[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return x
	}
}

func mountStrings(mounts []configproc.VolumeMount) []string {
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath))
	}
	return out
}
