package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer distributes calls evenly across all controllers in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next candidate in round-robin order.
func (b *RoundRobinBalancer) Pick(_ string, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	index := (b.counter.Add(1) - 1) % uint64(len(candidates))
	return candidates[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "round-robin"
}
