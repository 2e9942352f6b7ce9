package gateway

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"mcpforge/internal/mcpconn"
	"mcpforge/internal/template"
	"mcpforge/pkg/logging"
)

const healthLogSubsystem = "HealthChecker"

// HealthChecker drives periodic, jittered, bounded-concurrency probes
// against every registered instance. A buffered channel acts as a counting
// semaphore capping in-flight probes at MaxConcurrentChecks.
//
// Each instance owns its own probe loop with its own persistent random
// phase offset, rather than sharing one scheduler timer. A single shared
// timer only staggers the very first cycle: every instance scheduled from
// it would still probe in lockstep on every subsequent tick.
type HealthChecker struct {
	registry *Registry
	cfg      HealthCheckerConfig
	client   *http.Client
	sem      chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc // "template/instance" -> its probe loop's cancel func
}

// NewHealthChecker builds a checker over registry. cfg.ProbeTimeout bounds
// the *http.Client used for HTTP-transport probes.
func NewHealthChecker(registry *Registry, cfg HealthCheckerConfig) *HealthChecker {
	concurrency := cfg.MaxConcurrentChecks
	if concurrency < 1 {
		concurrency = 1
	}
	return &HealthChecker{
		registry: registry,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		sem:      make(chan struct{}, concurrency),
		done:     make(chan struct{}),
		running:  make(map[string]context.CancelFunc),
	}
}

// Start runs the reconciliation loop in a new goroutine and returns
// immediately. The loop keeps one per-instance probe goroutine alive for
// every instance currently in the registry, starting new ones as instances
// register and stopping ones whose instance has been deregistered.
func (h *HealthChecker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	go func() {
		defer close(h.done)

		h.reconcile(ctx)

		updates := h.registry.Updates()
		// A periodic resync backstops the update-notification channel,
		// which coalesces bursts and so could otherwise miss a register
		// immediately followed by a deregister.
		resync := time.NewTicker(h.cfg.CheckInterval)
		defer resync.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-updates:
				h.reconcile(ctx)
			case <-resync.C:
				h.reconcile(ctx)
			}
		}
	}()
}

// Stop cancels in-flight probes and awaits the scheduler loop with a
// bounded grace period. Cancelling the parent context also cancels every
// per-instance probe loop, since each is derived from it via
// context.WithCancel.
func (h *HealthChecker) Stop(grace time.Duration) {
	if h.cancel != nil {
		h.cancel()
	}
	select {
	case <-h.done:
	case <-time.After(grace):
		logging.Warn(healthLogSubsystem, "health checker did not shut down within grace period")
	}
}

// reconcile starts a probe loop for every registry instance not already
// scheduled, and stops the loop for any instance that disappeared since
// the last reconcile.
func (h *HealthChecker) reconcile(ctx context.Context) {
	snapshot := h.registry.Snapshot()
	seen := make(map[string]bool)

	h.mu.Lock()
	defer h.mu.Unlock()

	for templateID, routing := range snapshot {
		for _, inst := range routing.Instances {
			key := instanceKey(templateID, inst.InstanceID)
			seen[key] = true
			if _, ok := h.running[key]; ok {
				continue
			}
			instCtx, instCancel := context.WithCancel(ctx)
			h.running[key] = instCancel
			go h.scheduleInstance(instCtx, templateID, inst.InstanceID)
		}
	}

	for key, cancel := range h.running {
		if !seen[key] {
			cancel()
			delete(h.running, key)
		}
	}
}

// scheduleInstance is one instance's own probe loop: a uniform random
// phase offset in [0, check_interval) delays its first probe, and every
// probe after that is spaced exactly check_interval apart. The phase is
// chosen once per instance and never resynchronized with any other
// instance's phase, so two instances never probe in lockstep.
func (h *HealthChecker) scheduleInstance(ctx context.Context, templateID, instanceID string) {
	var phase time.Duration
	if h.cfg.CheckInterval > 0 {
		phase = time.Duration(rand.Int63n(int64(h.cfg.CheckInterval)))
	}
	timer := time.NewTimer(phase)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			routing, err := h.registry.Get(templateID)
			if err != nil {
				return // template deregistered entirely; reconcile will stop us too
			}
			inst, ok := findInstance(routing.Instances, instanceID)
			if !ok {
				return // this instance was deregistered; reconcile will stop us too
			}
			h.probeOne(ctx, templateID, inst)
			timer.Reset(h.cfg.CheckInterval)
		}
	}
}

// runCycle synchronously probes every currently registered instance once
// and waits for every probe to finish. It is not used by the recurring
// scheduler (Start uses reconcile + each instance's own phased timer
// instead); it exists as a directly testable "probe everything right
// now" primitive and is bounded by the same max_concurrent_checks
// semaphore as the scheduled probes via probeOne.
func (h *HealthChecker) runCycle(ctx context.Context) {
	snapshot := h.registry.Snapshot()
	var wg sync.WaitGroup
	for templateID, routing := range snapshot {
		for _, inst := range routing.Instances {
			wg.Add(1)
			go func(templateID string, inst Instance) {
				defer wg.Done()
				h.probeOne(ctx, templateID, inst)
			}(templateID, inst)
		}
	}
	wg.Wait()
}

func instanceKey(templateID, instanceID string) string {
	return templateID + "/" + instanceID
}

func findInstance(instances []Instance, instanceID string) (Instance, bool) {
	for _, inst := range instances {
		if inst.InstanceID == instanceID {
			return inst, true
		}
	}
	return Instance{}, false
}

// probeOne performs a single probe, bounded by the max_concurrent_checks
// semaphore, and records its outcome in the registry.
func (h *HealthChecker) probeOne(ctx context.Context, templateID string, inst Instance) {
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-h.sem }()

	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	success := h.probe(probeCtx, inst)
	h.registry.UpdateHealth(templateID, inst.InstanceID, success, time.Now(), h.cfg)
}

// probe runs one per-transport check: HTTP is a GET to the instance's
// health path expecting 2xx; stdio is initialize+list_tools on a
// throwaway connection. Any error, non-2xx, or timeout is a failure.
func (h *HealthChecker) probe(ctx context.Context, inst Instance) bool {
	switch inst.Transport {
	case template.TransportHTTP:
		return h.probeHTTP(ctx, inst)
	case template.TransportStdio:
		return h.probeStdio(ctx, inst)
	default:
		return false
	}
}

func (h *HealthChecker) probeHTTP(ctx context.Context, inst Instance) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (h *HealthChecker) probeStdio(ctx context.Context, inst Instance) bool {
	client, err := mcpconn.Dial(mcpconn.Target{
		TemplateID: inst.TemplateID,
		InstanceID: inst.InstanceID,
		Transport:  inst.Transport,
		Command:    inst.Command,
		Args:       inst.Args,
		Env:        inst.Env,
	})
	if err != nil {
		return false
	}
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		return false
	}
	_, err = client.ListTools(ctx)
	return err == nil
}
