// Package client calls region controllers found through the registry.
//
// Every call looks the live controllers up afresh, lets a balancer choose one
// and tries its advertised endpoints in order until one answers:
//
//	Call → Middleware Chain (retry, logging, ...) → discover → Balancer.Pick
//	  → Pool.Get(endpoint) → Peer.Invoke → response
//
// Connections are pooled per endpoint and shared by concurrent calls.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jjqq2013/maas/codec"
	"github.com/jjqq2013/maas/loadbalance"
	"github.com/jjqq2013/maas/message"
	"github.com/jjqq2013/maas/middleware"
	"github.com/jjqq2013/maas/registry"
	"github.com/jjqq2013/maas/transport"
	"go.uber.org/zap"
)

// Discovery lists the advertised controllers. *advertise.Advertiser
// implements it.
type Discovery interface {
	Dump(ctx context.Context) ([]registry.Row, error)
}

// StoreDiscovery adapts a registry to Discovery for processes that do not
// advertise themselves.
type StoreDiscovery struct {
	Registry registry.Registry
}

func (d StoreDiscovery) Dump(ctx context.Context) ([]registry.Row, error) {
	return d.Registry.ListAll(ctx)
}

type Config struct {
	Discovery Discovery
	// Balancer defaults to round robin.
	Balancer loadbalance.Balancer
	// Exclude names a controller never to call, normally this process's own.
	Exclude string
	Codec   codec.CodecType
	// Handler answers calls the remote controller makes back over the same
	// connection. Without one such calls are answered "unhandled command".
	Handler middleware.HandlerFunc
	// Middlewares wrap every outbound call, first listed outermost.
	Middlewares []middleware.Middleware
	Logger      *zap.Logger
}

type Client struct {
	discovery Discovery
	balancer  loadbalance.Balancer
	exclude   string
	pool      *transport.Pool
	invoke    middleware.HandlerFunc
	logger    *zap.Logger
}

func New(cfg Config) *Client {
	c := &Client{
		discovery: cfg.Discovery,
		balancer:  cfg.Balancer,
		exclude:   cfg.Exclude,
		logger:    cfg.Logger,
	}
	if c.balancer == nil {
		c.balancer = &loadbalance.RoundRobinBalancer{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	opts := []transport.Option{transport.WithCodec(cfg.Codec), transport.WithLogger(c.logger)}
	if cfg.Handler != nil {
		opts = append(opts, transport.WithHandler(cfg.Handler))
	}
	c.pool = transport.NewPool(opts...)
	c.invoke = middleware.Chain(cfg.Middlewares...)(c.send)
	return c
}

type keyCtx struct{}

// Call issues command to a controller chosen by the balancer. It satisfies
// region.Caller.
func (c *Client) Call(ctx context.Context, command string, args, reply any) error {
	return c.CallKey(ctx, "", command, args, reply)
}

// CallKey is Call with an affinity key for balancers that use one: calls with
// the same key reach the same controller while the live set is unchanged.
func (c *Client) CallKey(ctx context.Context, key, command string, args, reply any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%s: encode args: %w", command, err)
	}
	ctx = context.WithValue(ctx, keyCtx{}, key)
	resp := c.invoke(ctx, &message.Message{Command: command, Payload: payload})
	return transport.DecodeReply(command, resp, reply)
}

// send is the innermost handler of the outbound chain. Discovery happens
// here, so a retrying middleware sees an up-to-date set of controllers.
func (c *Client) send(ctx context.Context, req *message.Message) *message.Message {
	rows, err := c.discovery.Dump(ctx)
	if err != nil {
		return message.Failed(req.Command, fmt.Sprintf("discovery: %v", err))
	}

	candidates := loadbalance.Candidates(rows)
	if c.exclude != "" {
		kept := candidates[:0]
		for _, cand := range candidates {
			if cand.Name != c.exclude {
				kept = append(kept, cand)
			}
		}
		candidates = kept
	}

	key, _ := ctx.Value(keyCtx{}).(string)
	target, err := c.balancer.Pick(key, candidates)
	if err != nil {
		return message.Failed(req.Command, err.Error())
	}

	var last *message.Message
	for _, ep := range target.Endpoints {
		addr := ep.String()
		peer, err := c.pool.Get(ctx, addr)
		if err != nil {
			c.logger.Debug("endpoint unreachable", zap.String("controller", target.Name), zap.String("endpoint", addr), zap.Error(err))
			last = message.Failed(req.Command, err.Error())
			continue
		}

		resp := peer.Invoke(ctx, req)
		if !middleware.Retryable(resp) || ctx.Err() != nil {
			return resp
		}
		c.pool.Discard(addr, peer)
		last = resp
	}
	if last == nil {
		last = message.Failed(req.Command, fmt.Sprintf("controller %s advertised no endpoints", target.Name))
	}
	return last
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	return c.pool.Close()
}
