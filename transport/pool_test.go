package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptAdders serves every connection on a fresh loopback listener.
func acceptAdders(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go NewPeer(conn, WithHandler(adder("server", nil)), WithHeartbeat(0)).Serve()
		}
	}()
	return ln.Addr().String()
}

func TestPoolReusesPeer(t *testing.T) {
	addr := acceptAdders(t)
	pool := NewPool(WithHeartbeat(0))
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	second, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, pool.Len())

	var reply addReply
	require.NoError(t, second.Call(ctx, "Add", &addArgs{A: 2, B: 3}, &reply))
	assert.Equal(t, 5, reply.Result)
}

func TestPoolRedialsClosedPeer(t *testing.T) {
	addr := acceptAdders(t)
	pool := NewPool(WithHeartbeat(0))
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	first.Close()

	second, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	pool.Discard(addr, second)
	assert.Equal(t, 0, pool.Len())
}

func TestPoolDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	pool := NewPool()
	defer pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = pool.Get(ctx, addr)
	require.Error(t, err)
	assert.Equal(t, 0, pool.Len())
}

func TestPoolClose(t *testing.T) {
	addr := acceptAdders(t)
	pool := NewPool(WithHeartbeat(0))

	peer, err := pool.Get(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	select {
	case <-peer.Done():
	case <-time.After(time.Second):
		t.Fatal("pooled peer not closed")
	}
	_, err = pool.Get(context.Background(), addr)
	assert.ErrorIs(t, err, ErrClosed)
}
