// Package portpool tracks the candidate port range for managed servers.
package portpool

import (
	"fmt"
	"net"
	"sync"
)

// ProbeFunc reports whether a port can be bound on the local host.
type ProbeFunc func(port int) bool

// Pool owns a contiguous range of candidate ports and the leases taken on them.
type Pool struct {
	start int
	count int
	probe ProbeFunc

	mu     sync.Mutex
	leased map[int]struct{}
}

// Option customizes a Pool.
type Option func(*Pool)

// WithProbe overrides the bind probe, primarily for tests.
func WithProbe(probe ProbeFunc) Option {
	return func(p *Pool) {
		p.probe = probe
	}
}

// New returns a Pool covering ports [start, start+count).
func New(start, count int, opts ...Option) *Pool {
	p := &Pool{
		start:  start,
		count:  count,
		probe:  bindProbe,
		leased: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start returns the first port of the range.
func (p *Pool) Start() int { return p.start }

// Count returns the size of the range.
func (p *Pool) Count() int { return p.count }

// Available returns the candidate ports in ascending order, excluding leased
// ports, the given reserved ports, and ports that fail the bind probe.
func (p *Pool) Available(reserved map[int]struct{}) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []int
	for port := p.start; port < p.start+p.count; port++ {
		if _, ok := p.leased[port]; ok {
			continue
		}
		if _, ok := reserved[port]; ok {
			continue
		}
		if !p.probe(port) {
			continue
		}
		out = append(out, port)
	}
	return out
}

// Lease marks a port as in use. Leasing a port outside the range or one
// already leased is an error.
func (p *Pool) Lease(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.start || port >= p.start+p.count {
		return fmt.Errorf("port %d outside pool range %d-%d", port, p.start, p.start+p.count-1)
	}
	if _, ok := p.leased[port]; ok {
		return fmt.Errorf("port %d already leased", port)
	}
	p.leased[port] = struct{}{}
	return nil
}

// Release returns a port to the pool. Releasing an unleased port is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, port)
}

// Leased returns the currently leased ports.
func (p *Pool) Leased() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.leased))
	for port := range p.leased {
		out = append(out, port)
	}
	return out
}

// bindProbe checks that the port can actually be bound before offering it.
func bindProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
