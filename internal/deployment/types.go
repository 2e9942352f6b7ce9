// Package deployment is the deployment manager: it composes the template
// registry, configuration processor and backend to realize, inspect, and
// tear down deployments, and owns deployment identity and status.
package deployment

import (
	"time"

	"mcpforge/internal/backend"
)

// Status is a deployment's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// worseOf returns whichever of a, b is further down the degradation order
// running < unhealthy < stopped < failed; aggregated status reports the
// worst of the backend and gateway views.
func worseOf(a, b Status) Status {
	rank := map[Status]int{
		StatusPending:   0,
		StatusRunning:   1,
		StatusUnhealthy: 2,
		StatusStopped:   3,
		StatusFailed:    4,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Deployment is the mutable record representing one realized instance of
// a template.
type Deployment struct {
	DeploymentID string                 `json:"deployment_id"`
	TemplateID   string                 `json:"template_id"`
	Status       Status                 `json:"status"`
	Config       map[string]interface{} `json:"config"`
	BackendKind  string                 `json:"backend"`
	Network      string                 `json:"network,omitempty"`
	HostPort     string                 `json:"port,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Labels       map[string]string      `json:"labels,omitempty"`

	// configHash is the idempotency hash recorded at deploy time;
	// deliberately unexported so it never leaks into the JSON the router
	// or CLI front end would serialize.
	configHash string
}

// Options customizes a Deploy call.
type Options struct {
	// BackendKind selects which registered Backend realizes this
	// deployment ("docker", "k8s", or "mock"). Empty selects the
	// manager's default.
	BackendKind string

	// Port is the container port to expose, if the template declares one
	// that isn't already fixed.
	Port int

	// DeploymentID pins the deployment identity for idempotent redeploy.
	DeploymentID string

	// DryRun performs validation and returns the would-be plan without
	// calling the backend.
	DryRun bool
}

// Plan is the would-be outcome of a dry-run Deploy call: everything that
// would be sent to the backend, without any side effect having occurred.
type Plan struct {
	TemplateID   string            `json:"template_id"`
	DeploymentID string            `json:"deployment_id"`
	ConfigHash   string            `json:"config_hash"`
	Env          map[string]string `json:"env"`
	VolumeMounts []string          `json:"volume_mounts"`
	CommandArgs  []string          `json:"command_args"`
	Image        string            `json:"image"`
}

// backendDeploymentToRecord translates a backend.Deployment (the backend's
// own, narrower view) into the manager's richer Deployment record.
func backendDeploymentToRecord(d backend.Deployment, backendKind string, cfg map[string]interface{}, network string) Deployment {
	status := StatusRunning
	if !d.Running {
		status = StatusStopped
	}
	return Deployment{
		DeploymentID: d.ID,
		TemplateID:   d.TemplateID,
		Status:       status,
		Config:       cfg,
		BackendKind:  backendKind,
		Network:      network,
		HostPort:     d.HostPort,
		CreatedAt:    d.CreatedAt,
		Labels:       d.Labels,
	}
}
