package gateway

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Balancer selects a healthy Instance for a template per its configured
// strategy, keeping per-template selection state (round-robin counters,
// smooth-weighted counters, active connection counts) behind one mutex.
type Balancer struct {
	registry *Registry
	cfg      HealthCheckerConfig

	mu            sync.Mutex
	roundRobinIdx map[string]int
	weightedState map[string]map[string]int // template -> instance -> running weighted counter
	activeConns   map[string]map[string]int // template -> instance -> in-flight forwarded requests
}

// NewBalancer builds a Balancer reading instance state from registry. cfg
// must match the health checker's, since CheckInterval and
// MaxConsecutiveFailures together bound how stale an instance's last
// successful probe may be before it stops receiving traffic.
func NewBalancer(registry *Registry, cfg HealthCheckerConfig) *Balancer {
	return &Balancer{
		registry:      registry,
		cfg:           cfg,
		roundRobinIdx: make(map[string]int),
		weightedState: make(map[string]map[string]int),
		activeConns:   make(map[string]map[string]int),
	}
}

// Select picks one healthy instance for templateID, excluding any instance
// id in exclude (used by the router's retry-with-exclusion policy).
// Selection never blocks and runs in O(k) in the candidate count.
func (b *Balancer) Select(templateID string, exclude map[string]bool) (Instance, error) {
	routing, err := b.registry.Get(templateID)
	if err != nil {
		return Instance{}, err
	}

	now := time.Now()
	healthy := make([]Instance, 0, len(routing.Instances))
	for _, inst := range routing.Instances {
		if !inst.Healthy(now, b.cfg.CheckInterval, b.cfg.MaxConsecutiveFailures) {
			continue
		}
		if exclude != nil && exclude[inst.InstanceID] {
			continue
		}
		healthy = append(healthy, inst)
	}
	if len(healthy) == 0 {
		return Instance{}, noHealthyInstancesErr(templateID)
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].InstanceID < healthy[j].InstanceID })

	switch routing.Policy.Strategy {
	case StrategyLeastConns:
		return b.selectLeastConns(templateID, healthy), nil
	case StrategyWeighted:
		return b.selectWeighted(templateID, healthy), nil
	case StrategyHealthBased:
		return b.selectHealthBased(templateID, healthy), nil
	case StrategyRandom:
		return healthy[rand.Intn(len(healthy))], nil
	default:
		return b.selectRoundRobin(templateID, healthy), nil
	}
}

// selectRoundRobin advances a per-template monotonic counter modulo the
// healthy-instance count, ties broken by lexicographic instance id
// (healthy is already sorted by id on entry).
func (b *Balancer) selectRoundRobin(templateID string, healthy []Instance) Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.roundRobinIdx[templateID] % len(healthy)
	b.roundRobinIdx[templateID] = idx + 1
	return healthy[idx]
}

// selectLeastConns picks the healthy instance with fewest active forwarded
// requests, ties broken by round-robin among the minima.
func (b *Balancer) selectLeastConns(templateID string, healthy []Instance) Instance {
	b.mu.Lock()
	conns := b.activeConns[templateID]
	b.mu.Unlock()

	min := -1
	var minima []Instance
	for _, inst := range healthy {
		c := conns[inst.InstanceID]
		switch {
		case min == -1 || c < min:
			min = c
			minima = []Instance{inst}
		case c == min:
			minima = append(minima, inst)
		}
	}
	return b.selectRoundRobin(templateID+":leastconns", minima)
}

// selectWeighted implements smooth weighted round-robin: each instance's
// running counter is increased by its own weight, the maximum is selected,
// and the total weight is subtracted from the winner. Weight 0 means never
// selected; if every weight is zero the pool degrades to uniform by
// substituting weight 1 for each instance.
func (b *Balancer) selectWeighted(templateID string, healthy []Instance) Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.weightedState[templateID]
	if !ok {
		state = make(map[string]int)
		b.weightedState[templateID] = state
	}

	totalWeight := 0
	weights := make(map[string]int, len(healthy))
	for _, inst := range healthy {
		w := inst.Weight
		weights[inst.InstanceID] = w
		totalWeight += w
	}
	if totalWeight == 0 {
		for id := range weights {
			weights[id] = 1
		}
		totalWeight = len(healthy)
	}

	var winner Instance
	best := -1
	for _, inst := range healthy {
		state[inst.InstanceID] += weights[inst.InstanceID]
		if state[inst.InstanceID] > best {
			best = state[inst.InstanceID]
			winner = inst
		}
	}
	state[winner.InstanceID] -= totalWeight
	return winner
}

// selectHealthBased scores each healthy instance by its recency-weighted
// success ratio over the bounded probe history, selecting the maximum, with ties broken by
// round-robin.
func (b *Balancer) selectHealthBased(templateID string, healthy []Instance) Instance {
	best := -1.0
	var candidates []Instance
	for _, inst := range healthy {
		score := inst.successRatio()
		switch {
		case score > best:
			best = score
			candidates = []Instance{inst}
		case score == best:
			candidates = append(candidates, inst)
		}
	}
	return b.selectRoundRobin(templateID+":healthbased", candidates)
}

// BeginRequest increments templateID/instanceID's active connection count
// for the least-connections strategy; EndRequest decrements it. The
// router calls these around every forwarded call.
func (b *Balancer) BeginRequest(templateID, instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.activeConns[templateID]
	if !ok {
		conns = make(map[string]int)
		b.activeConns[templateID] = conns
	}
	conns[instanceID]++
}

func (b *Balancer) EndRequest(templateID, instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.activeConns[templateID]
	if !ok {
		return
	}
	if conns[instanceID] > 0 {
		conns[instanceID]--
	}
}
