// Package loadbalance chooses which region controller a call goes to, from
// the controllers currently advertised in the registry.
//
// Two strategies are implemented:
//   - RoundRobin:      spread calls evenly over every live controller
//   - ConsistentHash:  send every call for one key to the same controller
//     while the set of controllers is unchanged
package loadbalance

import (
	"errors"
	"sort"

	"github.com/jjqq2013/maas/registry"
)

// ErrNoCandidates is returned by Pick when no controller is advertised.
var ErrNoCandidates = errors.New("loadbalance: no controllers available")

// Candidate is one advertised controller and every endpoint it listed.
type Candidate struct {
	Name      string
	Endpoints []registry.Endpoint
}

// Candidates groups registry rows by controller, sorted by name.
func Candidates(rows []registry.Row) []Candidate {
	grouped := registry.Group(rows)
	out := make([]Candidate, 0, len(grouped))
	for name, endpoints := range grouped {
		out = append(out, Candidate{Name: name, Endpoints: endpoints})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Balancer is the interface for load balancing strategies.
// The client calls Pick before each call to select a controller.
type Balancer interface {
	// Pick selects one candidate. Strategies without affinity ignore key.
	// Called on every call, so it must be goroutine-safe.
	Pick(key string, candidates []Candidate) (Candidate, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round-robin" (also the
// default for an empty name) or "consistent-hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.New("loadbalance: unknown strategy " + name)
	}
}
