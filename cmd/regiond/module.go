package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jjqq2013/maas/advertise"
	"github.com/jjqq2013/maas/codec"
	"github.com/jjqq2013/maas/config"
	"github.com/jjqq2013/maas/metrics"
	"github.com/jjqq2013/maas/middleware"
	"github.com/jjqq2013/maas/region"
	"github.com/jjqq2013/maas/registry"
	"github.com/jjqq2013/maas/server"
	"github.com/jjqq2013/maas/services"
	"github.com/jjqq2013/maas/transport"
)

// module assembles the controller. Services start in the order they are
// added to the collection (metrics, rpc, advertiser) and stop in reverse,
// so the advertiser withdraws before the listener closes.
var module = fx.Module("regiond",
	fx.Provide(
		metrics.New,
		newStore,
		newServer,
		newAdvertiser,
		newMetricsServer,
		newCollection,
	),
	fx.Invoke(startServices),
)

func newStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*registry.Store, error) {
	store, err := registry.Open(context.Background(), cfg.Database, logger.Named("registry"))
	if err != nil {
		return nil, err
	}
	// Appended before the collection's hook, so it runs after every service
	// has stopped.
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

func newServer(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*server.Server, error) {
	ct, err := codec.ParseCodecType(cfg.RPC.Codec)
	if err != nil {
		return nil, err
	}
	svr := server.NewServer(server.Config{
		Address:     cfg.RPC.Listen,
		Codec:       ct,
		Logger:      logger,
		PeerOptions: []transport.Option{transport.WithHeartbeat(cfg.RPC.Heartbeat)},
	})

	svr.Use(middleware.LoggingMiddleware(logger.Named("rpc")))
	svr.Use(m.RequestMiddleware())
	if cfg.RPC.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RPC.RateLimit, cfg.RPC.RateBurst))
	}
	if cfg.RPC.RequestTimeout > 0 {
		svr.Use(middleware.TimeoutMiddleware(cfg.RPC.RequestTimeout))
	}

	if err := svr.Register(region.New(logger)); err != nil {
		return nil, err
	}
	return svr, nil
}

func newCollection(logger *zap.Logger) *services.Collection {
	return services.NewCollection(logger)
}

func newAdvertiser(cfg *config.Config, store *registry.Store, c *services.Collection, logger *zap.Logger, m *metrics.Metrics) (*advertise.Advertiser, error) {
	return advertise.New(advertise.Config{
		Name:         cfg.Name,
		Store:        store,
		Services:     c,
		Interval:     cfg.Advertise.Interval,
		TTL:          cfg.Advertise.TTL,
		CycleTimeout: cfg.Advertise.CycleTimeout,
		Logger:       logger,
		Metrics:      m,
	})
}

// newMetricsServer returns nil when no metrics address is configured.
func newMetricsServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *metrics.Server {
	if cfg.Metrics.Address == "" {
		return nil
	}
	return metrics.NewServer(cfg.Metrics.Address, m, logger)
}

func startServices(lc fx.Lifecycle, c *services.Collection, ms *metrics.Server, svr *server.Server, adv *advertise.Advertiser) error {
	if ms != nil {
		if err := c.Add(ms); err != nil {
			return err
		}
	}
	if err := c.Add(svr); err != nil {
		return err
	}
	if err := c.Add(adv); err != nil {
		return err
	}
	lc.Append(fx.Hook{OnStart: c.Start, OnStop: c.Stop})
	return nil
}
