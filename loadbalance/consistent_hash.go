package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps keys to controllers using a hash ring.
// The same key always maps to the same controller until the ring changes,
// and a controller joining or leaving only moves the keys next to it.
//
// Each controller is placed on the ring as many virtual nodes, which keeps
// the load even with only a handful of controllers.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	names string   // candidate names the ring was built from
	ring  []uint32 // sorted hash values
	nodes map[uint32]string
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per controller.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// rebuild places every candidate onto the ring. Virtual nodes are hashed
// from "{name}#{i}", so the ring depends only on the set of names.
func (b *ConsistentHashBalancer) rebuild(candidates []Candidate, names string) {
	b.names = names
	b.ring = make([]uint32, 0, len(candidates)*b.replicas)
	b.nodes = make(map[uint32]string, len(candidates)*b.replicas)
	for _, c := range candidates {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", c.Name, i)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = c.Name
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping
// around past the largest.
func (b *ConsistentHashBalancer) Pick(key string, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}

	byName := make(map[string]Candidate, len(candidates))
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		byName[c.Name] = c
		names = append(names, c.Name)
	}
	sort.Strings(names)
	joined := strings.Join(names, "\x00")

	b.mu.Lock()
	if joined != b.names || b.ring == nil {
		b.rebuild(candidates, joined)
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	name := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	return byName[name], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent-hash"
}
