// Package services keeps the process-wide set of long-running services and
// lets them find each other by name.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrDuplicate is returned by Add for a name already in the collection.
var ErrDuplicate = errors.New("services: duplicate service name")

// Service is a named component with a start/stop lifecycle.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Collection starts services in the order they were added and stops them in
// reverse.
type Collection struct {
	logger *zap.Logger

	mu     sync.RWMutex
	order  []Service
	byName map[string]Service

	// life serializes Start and Stop. It is separate from mu so services
	// can Lookup their peers while being started or stopped.
	life    sync.Mutex
	started int // how many of order have been started
}

// NewCollection returns an empty collection.
func NewCollection(logger *zap.Logger) *Collection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collection{
		logger: logger,
		byName: make(map[string]Service),
	}
}

// Add appends svc to the collection.
func (c *Collection) Add(svc Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := svc.Name()
	if _, ok := c.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	c.byName[name] = svc
	c.order = append(c.order, svc)
	return nil
}

// Lookup returns the service registered under name.
func (c *Collection) Lookup(name string) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.byName[name]
	return svc, ok
}

// Names lists the services in start order.
func (c *Collection) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.order))
	for i, svc := range c.order {
		names[i] = svc.Name()
	}
	return names
}

// Start starts every service not yet started, in insertion order. If one
// fails, the services this call started are stopped again and the start
// error is returned together with any stop errors.
func (c *Collection) Start(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()

	order := c.snapshot()
	first := c.started
	for c.started < len(order) {
		svc := order[c.started]
		if err := svc.Start(ctx); err != nil {
			c.logger.Error("service failed to start", zap.String("service", svc.Name()), zap.Error(err))
			err = fmt.Errorf("services: starting %s: %w", svc.Name(), err)
			return multierr.Append(err, c.stopFrom(ctx, order, first))
		}
		c.logger.Info("service started", zap.String("service", svc.Name()))
		c.started++
	}
	return nil
}

// Stop stops every started service in reverse order. Every service is asked
// to stop even when an earlier one fails; the errors are combined.
func (c *Collection) Stop(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	return c.stopFrom(ctx, c.snapshot(), 0)
}

func (c *Collection) snapshot() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Service(nil), c.order...)
}

func (c *Collection) stopFrom(ctx context.Context, order []Service, low int) error {
	var errs error
	for c.started > low {
		c.started--
		svc := order[c.started]
		if err := svc.Stop(ctx); err != nil {
			c.logger.Warn("service failed to stop", zap.String("service", svc.Name()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("services: stopping %s: %w", svc.Name(), err))
			continue
		}
		c.logger.Info("service stopped", zap.String("service", svc.Name()))
	}
	return errs
}
