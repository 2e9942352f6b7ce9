package gateway

import (
	"sync"
	"time"

	"mcpforge/pkg/logging"
)

const logSubsystem = "GatewayRegistry"

// RegistryStore persists the routing table: saved on every mutation,
// fully reloaded on startup.
type RegistryStore interface {
	Load() (map[string]TemplateRouting, error)
	Save(snapshot map[string]TemplateRouting) error
}

// Registry holds {template_id -> TemplateRouting}, guarded by a single
// sync.RWMutex and paired with an update-notification channel so the
// router and health checker can observe mutations without polling.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]TemplateRouting
	store     RegistryStore

	updateChan chan struct{}
}

// NewRegistry loads any persisted state from store (a fresh, empty
// registry if store has none) and returns a ready Registry.
func NewRegistry(store RegistryStore) (*Registry, error) {
	templates := make(map[string]TemplateRouting)
	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			templates = loaded
		}
	}
	return &Registry{
		templates:  templates,
		store:      store,
		updateChan: make(chan struct{}, 1),
	}, nil
}

// Updates returns a channel that receives a value after every mutation.
// Sends are non-blocking: a subscriber that falls behind simply misses
// intermediate notifications.
func (r *Registry) Updates() <-chan struct{} {
	return r.updateChan
}

func (r *Registry) notifyUpdate() {
	select {
	case r.updateChan <- struct{}{}:
	default:
	}
}

func (r *Registry) persistLocked() {
	if r.store == nil {
		return
	}
	snapshot := make(map[string]TemplateRouting, len(r.templates))
	for k, v := range r.templates {
		snapshot[k] = v
	}
	if err := r.store.Save(snapshot); err != nil {
		logging.Warn(logSubsystem, "failed to persist registry: %v", err)
	}
}

// Register adds or replaces inst under templateID, creating the
// TemplateRouting with a default policy if this is the template's first
// instance.
func (r *Registry) Register(templateID string, inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	routing, ok := r.templates[templateID]
	if !ok {
		routing = TemplateRouting{Policy: DefaultLoadBalancerConfig()}
	}
	if inst.Weight == 0 {
		inst.Weight = 1
	}
	if inst.Status == "" {
		inst.Status = StatusHealthy
	}

	replaced := false
	for i, existing := range routing.Instances {
		if existing.InstanceID == inst.InstanceID {
			routing.Instances[i] = inst
			replaced = true
			break
		}
	}
	if !replaced {
		routing.Instances = append(routing.Instances, inst)
	}

	r.templates[templateID] = routing
	r.persistLocked()
	r.notifyUpdate()
	logging.Info(logSubsystem, "registered instance %s for template %s", inst.InstanceID, templateID)
}

// Deregister removes instanceID from templateID's instance list.
func (r *Registry) Deregister(templateID, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	routing, ok := r.templates[templateID]
	if !ok {
		return templateNotFoundErr(templateID)
	}

	idx := -1
	for i, inst := range routing.Instances {
		if inst.InstanceID == instanceID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return instanceNotFoundErr(templateID, instanceID)
	}

	routing.Instances = append(routing.Instances[:idx], routing.Instances[idx+1:]...)
	r.templates[templateID] = routing
	r.persistLocked()
	r.notifyUpdate()
	logging.Info(logSubsystem, "deregistered instance %s from template %s", instanceID, templateID)
	return nil
}

// SetPolicy updates templateID's load balancer policy.
func (r *Registry) SetPolicy(templateID string, policy LoadBalancerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	routing, ok := r.templates[templateID]
	if !ok {
		return templateNotFoundErr(templateID)
	}
	routing.Policy = policy
	r.templates[templateID] = routing
	r.persistLocked()
	r.notifyUpdate()
	return nil
}

// UpdateHealth applies a single probe outcome to instanceID: it bumps the
// consecutive failure/success counters, applies the hysteresis transition,
// and records the outcome in the instance's bounded probe history for the
// health-based strategy.
func (r *Registry) UpdateHealth(templateID, instanceID string, success bool, at time.Time, cfg HealthCheckerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	routing, ok := r.templates[templateID]
	if !ok {
		return
	}
	for i := range routing.Instances {
		inst := &routing.Instances[i]
		if inst.InstanceID != instanceID {
			continue
		}
		inst.LastCheck = at
		inst.recordProbe(success, cfg.HistoryLimit)

		if success {
			inst.ConsecutiveFailures = 0
			inst.ConsecutiveSuccesses++
			if inst.Status == StatusUnhealthy && inst.ConsecutiveSuccesses >= cfg.MinConsecutiveSuccesses {
				inst.Status = StatusHealthy
				logging.Info(logSubsystem, "instance %s (template %s) is healthy again", instanceID, templateID)
			}
		} else {
			inst.ConsecutiveSuccesses = 0
			inst.ConsecutiveFailures++
			if inst.Status == StatusHealthy && inst.ConsecutiveFailures >= cfg.MaxConsecutiveFailures {
				inst.Status = StatusUnhealthy
				logging.Warn(logSubsystem, "instance %s (template %s) marked unhealthy after %d consecutive failures", instanceID, templateID, inst.ConsecutiveFailures)
			}
		}
		break
	}
	r.templates[templateID] = routing
	r.persistLocked()
	r.notifyUpdate()
}

// Snapshot returns a deep-enough copy of the routing table for read-only
// use (router, health checker, balancer): the returned map and its
// Instances slices may be inspected freely without holding any lock, but
// must not be mutated in place.
func (r *Registry) Snapshot() map[string]TemplateRouting {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]TemplateRouting, len(r.templates))
	for k, v := range r.templates {
		instances := make([]Instance, len(v.Instances))
		copy(instances, v.Instances)
		out[k] = TemplateRouting{Instances: instances, Policy: v.Policy}
	}
	return out
}

// Get returns one template's routing state.
func (r *Registry) Get(templateID string) (TemplateRouting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routing, ok := r.templates[templateID]
	if !ok {
		return TemplateRouting{}, templateNotFoundErr(templateID)
	}
	instances := make([]Instance, len(routing.Instances))
	copy(instances, routing.Instances)
	return TemplateRouting{Instances: instances, Policy: routing.Policy}, nil
}

// IsHealthy implements internal/deployment.HealthLookup: it reports
// whether deploymentID (used as the instance id, since one deployment
// registers as at most one instance) is currently known to the gateway
// and, if so, whether its registry-recorded status is healthy.
func (r *Registry) IsHealthy(templateID, deploymentID string) (healthy bool, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routing, ok := r.templates[templateID]
	if !ok {
		return false, false
	}
	for _, inst := range routing.Instances {
		if inst.InstanceID == deploymentID {
			return inst.Status == StatusHealthy, true
		}
	}
	return false, false
}
