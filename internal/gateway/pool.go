package gateway

import (
	"context"
	"sync"

	"mcpforge/internal/mcpconn"
	"mcpforge/pkg/logging"
)

const poolLogSubsystem = "StdioPool"

// stdioPool is a bounded pool of long-lived mcpconn.Client connections to
// one stdio-transport instance; each request borrows one for the duration
// of the call. Built directly on mcpconn.Dial/Client, the same contract
// the health checker's stdio probe and the tool manager's ephemeral spawn
// use, just held open across requests instead of torn down after one call.
type stdioPool struct {
	templateID string
	instanceID string
	target     mcpconn.Target

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []mcpconn.Client
	size    int // total live connections, idle + borrowed
	maxSize int
	waiters chan struct{} // bounded queue depth for borrowers when saturated
}

// newStdioPool builds an (initially empty, lazily-filled) pool for
// target. maxSize bounds concurrent live connections; queueDepth bounds
// how many borrowers may wait for one to free up before a borrow fails
// with QueueFull.
func newStdioPool(target mcpconn.Target, maxSize, queueDepth int) *stdioPool {
	p := &stdioPool{
		templateID: target.TemplateID,
		instanceID: target.InstanceID,
		target:     target,
		maxSize:    maxSize,
		waiters:    make(chan struct{}, queueDepth),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Borrow returns a ready Client, reusing an idle one or dialing a new one
// up to maxSize. If the pool is already at maxSize with none idle, Borrow
// queues up to queueDepth; beyond that it fails fast with QueueFull rather
// than blocking indefinitely.
func (p *stdioPool) Borrow(ctx context.Context) (mcpconn.Client, error) {
	select {
	case p.waiters <- struct{}{}:
	default:
		return nil, queueFullErr(p.instanceID)
	}
	defer func() { <-p.waiters }()

	// Wake the condition variable if ctx is cancelled while a borrower is
	// parked in cond.Wait below, since sync.Cond has no native context support.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast()
		case <-stopWatch:
		}
	}()

	p.mu.Lock()
	for {
		if len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()
			return c, nil
		}
		if p.size < p.maxSize {
			p.size++
			p.mu.Unlock()
			c, err := mcpconn.Dial(p.target)
			if err != nil {
				p.mu.Lock()
				p.size--
				p.mu.Unlock()
				return nil, err
			}
			if err := c.Initialize(ctx); err != nil {
				p.mu.Lock()
				p.size--
				p.mu.Unlock()
				return nil, err
			}
			return c, nil
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.cond.Wait()
	}
}

// Return gives c back to the idle set for reuse. Passing healthy=false
// closes and discards c instead (the call that used it failed), freeing a
// slot for a fresh connection.
func (p *stdioPool) Return(c mcpconn.Client, healthy bool) {
	if !healthy {
		if err := c.Close(); err != nil {
			logging.Debug(poolLogSubsystem, "error closing discarded stdio connection for instance %s: %v", p.instanceID, err)
		}
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		p.cond.Broadcast()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Close tears down every idle connection. In-flight borrowed connections
// are closed by their own Return(c, false) once the caller finishes.
func (p *stdioPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		_ = c.Close()
	}
	p.idle = nil
	p.size = 0
	p.cond.Broadcast()
}

// poolManager owns one stdioPool per instance id, created lazily on first
// borrow. Each pool has its own mutex; poolManager only guards the map of
// pools, never a pool's internals, and is never held while any other lock
// in the process is held.
type poolManager struct {
	maxSize    int
	queueDepth int

	mu    sync.Mutex
	pools map[string]*stdioPool
}

func newPoolManager(maxSize, queueDepth int) *poolManager {
	return &poolManager{maxSize: maxSize, queueDepth: queueDepth, pools: make(map[string]*stdioPool)}
}

func (m *poolManager) poolFor(target mcpconn.Target) *stdioPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[target.InstanceID]
	if !ok {
		p = newStdioPool(target, m.maxSize, m.queueDepth)
		m.pools[target.InstanceID] = p
	}
	return p
}

// Remove closes and discards instanceID's pool, called on deregister.
func (m *poolManager) Remove(instanceID string) {
	m.mu.Lock()
	p, ok := m.pools[instanceID]
	delete(m.pools, instanceID)
	m.mu.Unlock()
	if ok {
		p.Close()
	}
}
