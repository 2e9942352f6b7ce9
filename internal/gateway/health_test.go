package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mcpforge/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeHTTPSucceedsOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	hc := NewHealthChecker(reg, DefaultHealthCheckerConfig())

	ok := hc.probeHTTP(context.Background(), Instance{Endpoint: srv.URL})
	assert.True(t, ok)
}

func TestProbeHTTPFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	hc := NewHealthChecker(reg, DefaultHealthCheckerConfig())

	ok := hc.probeHTTP(context.Background(), Instance{Endpoint: srv.URL})
	assert.False(t, ok)
}

func TestProbeHTTPFailsOnUnreachableEndpoint(t *testing.T) {
	reg := newTestRegistry(t)
	hc := NewHealthChecker(reg, DefaultHealthCheckerConfig())

	ok := hc.probeHTTP(context.Background(), Instance{Endpoint: "http://127.0.0.1:0"})
	assert.False(t, ok)
}

func TestRunCycleUpdatesRegistryHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	reg.Register("demo", Instance{InstanceID: "i1", Transport: template.TransportHTTP, Endpoint: srv.URL})

	cfg := DefaultHealthCheckerConfig()
	cfg.MaxConcurrentChecks = 2
	hc := NewHealthChecker(reg, cfg)

	hc.runCycle(context.Background())

	routing, err := reg.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, routing.Instances[0].Status)
	assert.False(t, routing.Instances[0].LastCheck.IsZero())
}

func TestRunCycleMarksFailingInstanceUnhealthy(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("demo", Instance{InstanceID: "i1", Transport: template.TransportHTTP, Endpoint: "http://127.0.0.1:0"})

	cfg := DefaultHealthCheckerConfig()
	cfg.MaxConsecutiveFailures = 1
	hc := NewHealthChecker(reg, cfg)

	hc.runCycle(context.Background())

	routing, err := reg.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, routing.Instances[0].Status)
}

func TestStartAndStopShutsDownWithinGracePeriod(t *testing.T) {
	reg := newTestRegistry(t)
	cfg := DefaultHealthCheckerConfig()
	cfg.CheckInterval = time.Hour
	hc := NewHealthChecker(reg, cfg)

	hc.Start(context.Background())
	hc.Stop(time.Second)
}
