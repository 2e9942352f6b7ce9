// Package toolcache implements tool discovery: the four-tier cascade (cache -> live HTTP probe -> ephemeral
// stdio probe -> static fallback), with TTL caching, single-flight
// coalescing and stale-while-revalidate.
package toolcache

import (
	"time"

	"mcpforge/internal/mcpconn"
	"mcpforge/internal/template"

	"github.com/mark3labs/mcp-go/mcp"
)

// Method identifies which cascade tier produced a discovery result.
type Method string

const (
	MethodCache  Method = "cache"
	MethodHTTP   Method = "http"
	MethodStdio  Method = "stdio"
	MethodStatic Method = "static"
	MethodNone   Method = "none"
)

// Result is what Manager.Discover returns: the tool set plus provenance.
type Result struct {
	Tools  []mcp.Tool
	Method Method
	Source string // human-readable origin, e.g. instance id or "static"
}

// DefaultTTL is the freshness window for a cache entry populated by a
// live probe.
const DefaultTTL = 6 * time.Hour

// StaticTTL is the shorter freshness window for an entry populated by
// the static fallback tier.
const StaticTTL = 1 * time.Hour

// DefaultHTTPProbeTimeout bounds the live HTTP probe.
const DefaultHTTPProbeTimeout = 5 * time.Second

// DefaultStdioProbeTimeout bounds the ephemeral stdio probe.
const DefaultStdioProbeTimeout = 15 * time.Second

// RevalidateGrace extends a cache entry's timestamp when a background
// stale-while-revalidate refresh fails, so it is retried on the next
// access instead of evicted outright.
const RevalidateGrace = 5 * time.Minute

// staleFraction is the final 10% of TTL within which a fresh hit still
// triggers a background revalidate.
const staleFraction = 0.10

// RunningInstance is the minimal view the discovery cascade needs of a
// live deployment: a dialable target for an HTTP-transport instance that
// is currently running.
type RunningInstance struct {
	InstanceID string
	Target     mcpconn.Target
}

// EphemeralSpawner launches a short-lived, --rm-semantics stdio server
// for the third cascade tier and returns a dialable
// target plus a teardown func. Implemented by the caller (typically the
// deployment package's backend), kept as an interface here so toolcache
// does not depend on backend directly.
type EphemeralSpawner interface {
	SpawnStdioProbe(templateID string, desc template.Descriptor) (target mcpconn.Target, teardown func(), err error)
}
