package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerHealthy(t *testing.T, reg *Registry, templateID string, instances ...Instance) {
	t.Helper()
	for _, inst := range instances {
		inst.Status = StatusHealthy
		reg.Register(templateID, inst)
	}
}

func TestSelectRoundRobinCyclesInIDOrder(t *testing.T) {
	reg := newTestRegistry(t)
	registerHealthy(t, reg, "demo", Instance{InstanceID: "b"}, Instance{InstanceID: "a"}, Instance{InstanceID: "c"})
	b := NewBalancer(reg, DefaultHealthCheckerConfig())

	var order []string
	for i := 0; i < 3; i++ {
		inst, err := b.Select("demo", nil)
		require.NoError(t, err)
		order = append(order, inst.InstanceID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestSelectExcludesGivenInstances(t *testing.T) {
	reg := newTestRegistry(t)
	registerHealthy(t, reg, "demo", Instance{InstanceID: "a"}, Instance{InstanceID: "b"})
	b := NewBalancer(reg, DefaultHealthCheckerConfig())

	inst, err := b.Select("demo", map[string]bool{"a": true})
	require.NoError(t, err)
	assert.Equal(t, "b", inst.InstanceID)
}

// TestSelectSkipsStaleHealthyInstance: a status of healthy is not enough
// on its own; an instance whose last successful probe is older than
// check_interval*(max_consecutive_failures+1) must stop receiving traffic
// even if nothing has flipped its status yet.
func TestSelectSkipsStaleHealthyInstance(t *testing.T) {
	reg := newTestRegistry(t)
	cfg := DefaultHealthCheckerConfig()
	reg.Register("demo", Instance{InstanceID: "a", Status: StatusHealthy, LastCheck: time.Now().Add(-3 * time.Hour)})
	reg.Register("demo", Instance{InstanceID: "b", Status: StatusHealthy, LastCheck: time.Now()})
	b := NewBalancer(reg, cfg)

	for i := 0; i < 4; i++ {
		inst, err := b.Select("demo", nil)
		require.NoError(t, err)
		assert.Equal(t, "b", inst.InstanceID)
	}
}

func TestSelectFailsWhenAllHealthyInstancesAreStale(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("demo", Instance{InstanceID: "a", Status: StatusHealthy, LastCheck: time.Now().Add(-3 * time.Hour)})
	b := NewBalancer(reg, DefaultHealthCheckerConfig())

	_, err := b.Select("demo", nil)
	assert.Error(t, err)
}

func TestSelectFailsWhenNoHealthyInstances(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register("demo", Instance{InstanceID: "a", Status: StatusUnhealthy})
	b := NewBalancer(reg, DefaultHealthCheckerConfig())

	_, err := b.Select("demo", nil)
	assert.Error(t, err)
}

func TestSelectLeastConnsPicksFewestActive(t *testing.T) {
	reg := newTestRegistry(t)
	registerHealthy(t, reg, "demo", Instance{InstanceID: "a"}, Instance{InstanceID: "b"})
	require.NoError(t, reg.SetPolicy("demo", LoadBalancerConfig{Strategy: StrategyLeastConns}))
	b := NewBalancer(reg, DefaultHealthCheckerConfig())

	b.BeginRequest("demo", "a")
	b.BeginRequest("demo", "a")
	b.BeginRequest("demo", "b")

	inst, err := b.Select("demo", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", inst.InstanceID)
}

func TestSelectWeightedFavorsHigherWeight(t *testing.T) {
	reg := newTestRegistry(t)
	registerHealthy(t, reg, "demo", Instance{InstanceID: "a", Weight: 3}, Instance{InstanceID: "b", Weight: 1})
	require.NoError(t, reg.SetPolicy("demo", LoadBalancerConfig{Strategy: StrategyWeighted}))
	b := NewBalancer(reg, DefaultHealthCheckerConfig())

	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		inst, err := b.Select("demo", nil)
		require.NoError(t, err)
		counts[inst.InstanceID]++
	}
	assert.Equal(t, 3, counts["a"])
	assert.Equal(t, 1, counts["b"])
}

func TestSelectWeightedAllZeroTreatsAsUniform(t *testing.T) {
	reg := newTestRegistry(t)
	registerHealthy(t, reg, "demo", Instance{InstanceID: "a", Weight: 0}, Instance{InstanceID: "b", Weight: 0})
	// Register stores weight 1 for an unset weight; zero the stored
	// weights directly so the all-zero branch is the one exercised.
	reg.mu.Lock()
	routing := reg.templates["demo"]
	for i := range routing.Instances {
		routing.Instances[i].Weight = 0
	}
	reg.mu.Unlock()
	require.NoError(t, reg.SetPolicy("demo", LoadBalancerConfig{Strategy: StrategyWeighted}))
	b := NewBalancer(reg, DefaultHealthCheckerConfig())

	counts := map[string]int{}
	for i := 0; i < 2; i++ {
		inst, err := b.Select("demo", nil)
		require.NoError(t, err)
		counts[inst.InstanceID]++
	}
	assert.Equal(t, 1, counts["a"])
	assert.Equal(t, 1, counts["b"])
}

func TestSelectHealthBasedPrefersHigherSuccessRatio(t *testing.T) {
	reg := newTestRegistry(t)
	registerHealthy(t, reg, "demo", Instance{InstanceID: "a"}, Instance{InstanceID: "b"})
	require.NoError(t, reg.SetPolicy("demo", LoadBalancerConfig{Strategy: StrategyHealthBased}))

	cfg := DefaultHealthCheckerConfig()
	cfg.MaxConsecutiveFailures = 100
	for i := 0; i < 5; i++ {
		reg.UpdateHealth("demo", "a", true, time.Now(), cfg)
	}
	reg.UpdateHealth("demo", "b", true, time.Now(), cfg)
	reg.UpdateHealth("demo", "b", false, time.Now(), cfg)
	reg.UpdateHealth("demo", "b", true, time.Now(), cfg)

	b := NewBalancer(reg, DefaultHealthCheckerConfig())
	inst, err := b.Select("demo", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", inst.InstanceID)
}

func TestSelectRandomReturnsOneOfHealthy(t *testing.T) {
	reg := newTestRegistry(t)
	registerHealthy(t, reg, "demo", Instance{InstanceID: "a"}, Instance{InstanceID: "b"})
	require.NoError(t, reg.SetPolicy("demo", LoadBalancerConfig{Strategy: StrategyRandom}))
	b := NewBalancer(reg, DefaultHealthCheckerConfig())

	inst, err := b.Select("demo", nil)
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, inst.InstanceID)
}
