package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Pool keeps at most one live Peer per remote address. Peers multiplex
// calls, so a pooled peer is shared rather than borrowed and returned.
//
// Get reuses a peer until its connection goes away, then dials a new one.
// Dials happen outside the pool lock; when two goroutines race to dial the
// same address, the loser closes its peer and uses the winner's.
type Pool struct {
	opts []Option

	mu     sync.Mutex
	peers  map[string]*Peer
	closed bool
}

// NewPool returns an empty pool. opts are applied to every dialled peer.
func NewPool(opts ...Option) *Pool {
	return &Pool{
		opts:  opts,
		peers: make(map[string]*Peer),
	}
}

func alive(p *Peer) bool {
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// Get returns a live peer connected to addr, dialling one if needed.
func (p *Pool) Get(ctx context.Context, addr string) (*Peer, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if peer, ok := p.peers[addr]; ok && alive(peer) {
		p.mu.Unlock()
		return peer, nil
	}
	p.mu.Unlock()

	peer, err := Dial(ctx, addr, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		peer.Close()
		return nil, ErrClosed
	}
	if existing, ok := p.peers[addr]; ok && alive(existing) {
		peer.Close()
		return existing, nil
	}
	p.peers[addr] = peer
	return peer, nil
}

// Discard closes peer and forgets it, if it is still the pooled peer for addr.
func (p *Pool) Discard(addr string, peer *Peer) {
	p.mu.Lock()
	if p.peers[addr] == peer {
		delete(p.peers, addr)
	}
	p.mu.Unlock()
	peer.Close()
}

// Len returns the number of pooled peers, live or not yet reaped.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Close closes every pooled peer. Later Gets fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	peers := p.peers
	p.peers = make(map[string]*Peer)
	p.closed = true
	p.mu.Unlock()

	var errs error
	for _, peer := range peers {
		errs = multierr.Append(errs, peer.Close())
	}
	return errs
}
