package main

import (
	"fmt"
	"os"

	"mcpforge/internal/gateway"
	"mcpforge/internal/mcpconn"
	"mcpforge/internal/template"
	"mcpforge/internal/toolcache"
	"mcpforge/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// gatewayInstanceLookup adapts the gateway registry into the view the
// discovery cascade needs: the first healthy HTTP instance of a template.
type gatewayInstanceLookup struct {
	registry *gateway.Registry
}

func (g gatewayInstanceLookup) RunningHTTPInstance(templateID string) (toolcache.RunningInstance, bool) {
	routing, err := g.registry.Get(templateID)
	if err != nil {
		return toolcache.RunningInstance{}, false
	}
	for _, inst := range routing.Instances {
		if inst.Transport != template.TransportHTTP || inst.Status != gateway.StatusHealthy {
			continue
		}
		return toolcache.RunningInstance{
			InstanceID: inst.InstanceID,
			Target: mcpconn.Target{
				TemplateID: templateID,
				InstanceID: inst.InstanceID,
				Transport:  inst.Transport,
				BaseURL:    inst.Endpoint,
			},
		}, true
	}
	return toolcache.RunningInstance{}, false
}

// dockerStdioSpawner launches a template's image as a short-lived stdio
// child via `docker run -i --rm`; closing the connection terminates the
// child and --rm removes the container, so teardown is a no-op.
type dockerStdioSpawner struct{}

func (dockerStdioSpawner) SpawnStdioProbe(templateID string, desc template.Descriptor) (mcpconn.Target, func(), error) {
	if !desc.Transport.Supports(template.TransportStdio) {
		return mcpconn.Target{}, nil, fmt.Errorf("template %s does not support stdio transport", templateID)
	}
	args := []string{"run", "-i", "--rm", desc.Image}
	return mcpconn.Target{
		TemplateID: templateID,
		InstanceID: templateID + "-probe",
		Transport:  template.TransportStdio,
		Command:    "docker",
		Args:       args,
	}, func() {}, nil
}

// buildToolManager assembles the discovery cascade over the template
// registry, the gateway's instance view, and (when docker is available)
// an ephemeral stdio spawner. MCP_TOOLCACHE_REDIS selects the shared
// Redis store for multi-replica gateways; the default is in-process.
func buildToolManager(registry *template.Registry, gwRegistry *gateway.Registry, dockerAvailable bool) *toolcache.Manager {
	var store toolcache.Store
	if addr := os.Getenv("MCP_TOOLCACHE_REDIS"); addr != "" {
		store = toolcache.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))
		logging.Info("main", "tool cache backed by redis at %s", addr)
	}

	var spawner toolcache.EphemeralSpawner
	if dockerAvailable {
		spawner = dockerStdioSpawner{}
	}

	return toolcache.NewManager(store, registry.Get, gatewayInstanceLookup{registry: gwRegistry}, spawner)
}
