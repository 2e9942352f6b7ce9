// Package backend defines the five uniform operations every deployment
// target (container engine, cluster orchestrator, in-memory mock) must
// support, plus the container-engine backend's bridge-network subnet
// allocator.
package backend

import (
	"context"
	"io"
	"time"
)

// DeployRequest carries everything a backend needs to launch one instance
// of a template.
type DeployRequest struct {
	TemplateID   string
	DeploymentID string // caller-supplied for idempotent redeploy; generated if empty
	Image        string
	Env          map[string]string
	Mounts       []string // "host:container" pairs
	Args         []string
	Network      string
	Port         int
}

// Deployment is the backend's view of one running (or recently-stopped)
// instance, reconstructed by List from runtime-native discovery, not from
// any backend-local state; backends are stateless across restarts.
type Deployment struct {
	ID         string
	TemplateID string
	Image      string
	Handle     string // container ID, pod name, or other runtime-native handle
	HostPort   string
	CreatedAt  time.Time
	Running    bool
	Labels     map[string]string
}

// ListFilter narrows List to deployments matching a template id when set.
type ListFilter struct {
	TemplateID string
}

// Backend is the uniform operation set every deployment target implements.
type Backend interface {
	Deploy(ctx context.Context, req DeployRequest) (*Deployment, error)
	Stop(ctx context.Context, deploymentID string, timeout time.Duration) error
	List(ctx context.Context, filter ListFilter) ([]Deployment, error)
	Logs(ctx context.Context, deploymentID string, tail int, follow bool) (io.ReadCloser, error)
	Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (io.ReadCloser, error)
}

// Label keys every backend attaches so List can reconstruct deployments
// without its own persistent state. LabelManagedBy is the label List
// filters by: every container the platform creates carries it, so a host
// running other, unrelated containers never pollutes discovery.
const (
	LabelTemplate     = "mcp.template"
	LabelDeploymentID = "mcp.deployment_id"
	LabelCreatedAt    = "mcp.created_at"
	LabelManagedBy    = "mcp.managed_by"

	ManagedByValue = "mcp-platform"
)
