package toolcache

import (
	"context"
	"time"

	"mcpforge/internal/mcpconn"
	"mcpforge/internal/template"
	"mcpforge/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"
)

const logSubsystem = "ToolCache"

// InstanceLookup finds a currently-running, HTTP-reachable instance of a
// template, if one exists. When none does, the cascade falls through to
// the ephemeral stdio probe.
type InstanceLookup interface {
	RunningHTTPInstance(templateID string) (RunningInstance, bool)
}

// Manager runs the discovery cascade and owns its cache: a
// singleflight.Group wrapping a double-checked read of the cached value,
// so concurrent Discover calls for one template coalesce onto a single
// probe.
type Manager struct {
	store     Store
	instances InstanceLookup
	spawner   EphemeralSpawner
	resolver  func(templateID string) (template.Descriptor, error)

	group singleflight.Group

	httpProbeTimeout  time.Duration
	stdioProbeTimeout time.Duration
}

// NewManager builds a Manager. resolver looks up a template's Descriptor
// (typically template.Registry.Get); instances and spawner may be nil, in
// which case tiers 2 and 3 are skipped and the cascade falls straight to
// the static fallback.
func NewManager(store Store, resolver func(templateID string) (template.Descriptor, error), instances InstanceLookup, spawner EphemeralSpawner) *Manager {
	if store == nil {
		store = NewShardedMapStore()
	}
	return &Manager{
		store:             store,
		instances:         instances,
		spawner:           spawner,
		resolver:          resolver,
		httpProbeTimeout:  DefaultHTTPProbeTimeout,
		stdioProbeTimeout: DefaultStdioProbeTimeout,
	}
}

// Discover returns templateID's tool set, walking the cascade only as far
// as needed. now is passed explicitly so the freshness checks stay
// deterministic under test.
func (m *Manager) Discover(ctx context.Context, templateID string, now time.Time) (Result, error) {
	if entry, ok := m.store.Get(templateID); ok && entry.Fresh(now) {
		if entry.WithinStaleWindow(now) {
			m.revalidateAsync(templateID)
		}
		return Result{Tools: entry.Tools, Method: MethodCache, Source: entry.Source}, nil
	}

	v, err, _ := m.group.Do(templateID, func() (interface{}, error) {
		// Re-check under the lease: the entry may have been populated by
		// a concurrent caller that won the race to acquire it first.
		if entry, ok := m.store.Get(templateID); ok && entry.Fresh(now) {
			return Result{Tools: entry.Tools, Method: MethodCache, Source: entry.Source}, nil
		}
		return m.resolve(ctx, templateID, now)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Invalidate evicts templateID's cache entry, forcing the next Discover to
// re-run the full cascade. Invoked on redeploy or template change.
func (m *Manager) Invalidate(templateID string) {
	m.store.Delete(templateID)
}

// resolve runs tiers 2-4 in order unconditionally, caching and returning
// the first success. Callers that want the cache-freshness check first
// must do it themselves before calling resolve.
func (m *Manager) resolve(ctx context.Context, templateID string, now time.Time) (Result, error) {
	desc, err := m.resolver(templateID)
	if err != nil {
		return Result{}, err
	}

	if result, ok := m.tryHTTPProbe(ctx, templateID); ok {
		m.store.Set(templateID, CacheEntry{Tools: result.Tools, Method: result.Method, Source: result.Source, Timestamp: now, TTL: DefaultTTL})
		return result, nil
	}

	if result, ok := m.tryStdioProbe(ctx, templateID, desc); ok {
		m.store.Set(templateID, CacheEntry{Tools: result.Tools, Method: result.Method, Source: result.Source, Timestamp: now, TTL: DefaultTTL})
		return result, nil
	}

	result := m.staticFallback(desc)
	m.store.Set(templateID, CacheEntry{Tools: result.Tools, Method: result.Method, Source: result.Source, Timestamp: now, TTL: StaticTTL})
	return result, nil
}

func (m *Manager) tryHTTPProbe(ctx context.Context, templateID string) (Result, bool) {
	if m.instances == nil {
		return Result{}, false
	}
	inst, ok := m.instances.RunningHTTPInstance(templateID)
	if !ok {
		return Result{}, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.httpProbeTimeout)
	defer cancel()

	tools, err := probe(probeCtx, inst.Target)
	if err != nil {
		logging.Debug(logSubsystem, "live http probe failed for %s (instance %s): %v", templateID, inst.InstanceID, err)
		return Result{}, false
	}
	return Result{Tools: tools, Method: MethodHTTP, Source: inst.InstanceID}, true
}

func (m *Manager) tryStdioProbe(ctx context.Context, templateID string, desc template.Descriptor) (Result, bool) {
	if m.spawner == nil {
		return Result{}, false
	}
	target, teardown, err := m.spawner.SpawnStdioProbe(templateID, desc)
	if err != nil {
		logging.Debug(logSubsystem, "ephemeral stdio probe spawn failed for %s: %v", templateID, err)
		return Result{}, false
	}
	defer teardown()

	probeCtx, cancel := context.WithTimeout(ctx, m.stdioProbeTimeout)
	defer cancel()

	tools, err := probe(probeCtx, target)
	if err != nil {
		logging.Debug(logSubsystem, "ephemeral stdio probe failed for %s: %v", templateID, err)
		return Result{}, false
	}
	return Result{Tools: tools, Method: MethodStdio, Source: "ephemeral"}, true
}

// probe dials target, performs the MCP handshake and lists tools,
// standardized on initialize+list_tools for both stdio and HTTP probes
// rather than a transport-specific health endpoint.
func probe(ctx context.Context, target mcpconn.Target) ([]mcp.Tool, error) {
	client, err := mcpconn.Dial(target)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		return nil, err
	}
	return client.ListTools(ctx)
}

func (m *Manager) staticFallback(desc template.Descriptor) Result {
	tools := make([]mcp.Tool, 0, len(desc.Tools))
	for _, t := range desc.Tools {
		tools = append(tools, mcp.Tool{Name: t.Name, Description: t.Description})
	}
	return Result{Tools: tools, Method: MethodStatic, Source: "static"}
}

// revalidateAsync refreshes a stale-but-still-fresh entry in the
// background. A failure extends the entry's timestamp by RevalidateGrace
// rather than evicting it, so the next access still gets a cache hit and
// retries revalidation later.
func (m *Manager) revalidateAsync(templateID string) {
	go func() {
		_, err, _ := m.group.Do(templateID+":revalidate", func() (interface{}, error) {
			result, rerr := m.resolve(context.Background(), templateID, time.Now())
			if rerr != nil {
				if entry, ok := m.store.Get(templateID); ok {
					m.store.Set(templateID, entry.extend())
				}
				return nil, rerr
			}
			return result, nil
		})
		if err != nil {
			logging.Debug(logSubsystem, "background revalidate failed for %s: %v", templateID, err)
		}
	}()
}
