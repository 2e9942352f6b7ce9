package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MockBackend is a pure in-memory Backend used by tests and dry-run
// validation: it preserves every observable semantic of a real backend
// (idempotent ids, label-style filtering, NotFound on a missing id) except
// actual process/container I/O.
type MockBackend struct {
	mu          sync.Mutex
	deployments map[string]*Deployment
	nextSuffix  int
}

// NewMockBackend returns an empty MockBackend.
func NewMockBackend() *MockBackend {
	return &MockBackend{deployments: make(map[string]*Deployment)}
}

func (m *MockBackend) Deploy(ctx context.Context, req DeployRequest) (*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.DeploymentID == "" {
		m.nextSuffix++
		req.DeploymentID = fmt.Sprintf("%s-mock%d", req.TemplateID, m.nextSuffix)
	}
	dep := &Deployment{
		ID:         req.DeploymentID,
		TemplateID: req.TemplateID,
		Image:      req.Image,
		Handle:     "mock:" + req.DeploymentID,
		CreatedAt:  time.Now().UTC(),
		Running:    true,
		Labels: map[string]string{
			LabelTemplate:     req.TemplateID,
			LabelDeploymentID: req.DeploymentID,
			LabelManagedBy:    ManagedByValue,
		},
	}
	if req.Port != 0 {
		dep.HostPort = FormatHostPort(req.Port)
	}
	m.deployments[dep.ID] = dep
	return dep, nil
}

func (m *MockBackend) Stop(ctx context.Context, deploymentID string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[deploymentID]
	if !ok {
		return notFoundErr(deploymentID)
	}
	dep.Running = false
	return nil
}

func (m *MockBackend) List(ctx context.Context, filter ListFilter) ([]Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Deployment
	for _, dep := range m.deployments {
		if filter.TemplateID != "" && dep.TemplateID != filter.TemplateID {
			continue
		}
		out = append(out, *dep)
	}
	return out, nil
}

func (m *MockBackend) Logs(ctx context.Context, deploymentID string, tail int, follow bool) (io.ReadCloser, error) {
	m.mu.Lock()
	_, ok := m.deployments[deploymentID]
	m.mu.Unlock()
	if !ok {
		return nil, notFoundErr(deploymentID)
	}
	return io.NopCloser(bytes.NewBufferString("mock log output\n")), nil
}

func (m *MockBackend) Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (io.ReadCloser, error) {
	m.mu.Lock()
	_, ok := m.deployments[deploymentID]
	m.mu.Unlock()
	if !ok {
		return nil, notFoundErr(deploymentID)
	}
	return io.NopCloser(bytes.NewBufferString("mock exec output\n")), nil
}
