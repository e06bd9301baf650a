// Package advertise publishes this region controller's RPC endpoints in the
// shared registry and keeps them fresh.
//
// An Advertiser moves through a fixed set of states:
//
//	NotStarted → Preparing → Running → Stopping → Stopped
//	                  ↘ Stopped (schema failure or cancelled start)
//
// Preparing creates the registry schema. Running replaces this controller's
// rows with its current addresses × the listener's bound port once
// immediately, then once per interval, and sweeps stale rows after each
// replace. Stopping a running advertiser removes its rows.
package advertise

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jjqq2013/maas/ifaddr"
	"github.com/jjqq2013/maas/metrics"
	"github.com/jjqq2013/maas/registry"
	"github.com/jjqq2013/maas/server"
	"github.com/jjqq2013/maas/services"
	"go.uber.org/zap"
)

// ServiceName is the advertiser's name in the service collection.
const ServiceName = "advertiser"

const (
	DefaultInterval = 60 * time.Second
	DefaultTTL      = 5 * time.Minute

	// MinTTLIntervals is how many intervals a row must be allowed to age
	// before it is collected, so one missed cycle never prunes a live peer.
	MinTTLIntervals = 5
)

var (
	// ErrPrepare wraps a failure to create the registry schema. The
	// advertiser is stopped and the process should be treated as unhealthy.
	ErrPrepare = errors.New("advertise: preparing registry failed")

	ErrAlreadyStarted = errors.New("advertise: already started")
	ErrNotStarted     = errors.New("advertise: not started")
)

type State int

const (
	StateNotStarted State = iota
	StatePreparing
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PortBinder is implemented by the RPC listener.
type PortBinder interface {
	BoundPort() (int, bool)
}

// Services finds running services by name. *services.Collection implements it.
type Services interface {
	Lookup(name string) (services.Service, bool)
}

type Config struct {
	// Name identifies this controller's rows. Required.
	Name string
	// Store is the shared registry. Required.
	Store registry.Registry
	// Services is where the listener is looked up on every cycle. With no
	// Services, or no listener in it, the advertiser de-advertises.
	Services Services
	// ListenerName defaults to server.ServiceName.
	ListenerName string
	// Addresses defaults to ifaddr.Addresses.
	Addresses ifaddr.Enumerator

	Interval time.Duration // default DefaultInterval
	TTL      time.Duration // default DefaultTTL; at least MinTTLIntervals × Interval
	// CycleTimeout bounds each cycle's database work. Defaults to Interval.
	CycleTimeout time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.ListenerName == "" {
		c.ListenerName = server.ServiceName
	}
	if c.Addresses == nil {
		c.Addresses = ifaddr.Addresses
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.CycleTimeout == 0 {
		c.CycleTimeout = c.Interval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *Config) validate() error {
	switch {
	case c.Name == "":
		return errors.New("advertise: name is required")
	case c.Store == nil:
		return errors.New("advertise: store is required")
	case c.Interval < 0 || c.TTL < 0 || c.CycleTimeout < 0:
		return errors.New("advertise: durations must be positive")
	case c.TTL < MinTTLIntervals*c.Interval:
		return fmt.Errorf("advertise: ttl %s is shorter than %d intervals of %s", c.TTL, MinTTLIntervals, c.Interval)
	}
	return nil
}

// Advertiser keeps one controller's registry rows current.
type Advertiser struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc // stops preparation or the cycle loop
	done   chan struct{}      // closed when the background goroutine exits

	// withdrawing is non-nil while a Stop is removing this controller's rows,
	// and is closed when that attempt ends.
	withdrawing chan struct{}
}

// New validates cfg and returns an advertiser in the NotStarted state.
func New(cfg Config) (*Advertiser, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Advertiser{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("service", ServiceName), zap.String("name", cfg.Name)),
	}, nil
}

func (a *Advertiser) Name() string {
	return ServiceName
}

// Identity returns the name this controller advertises under.
func (a *Advertiser) Identity() string {
	return a.cfg.Name
}

func (a *Advertiser) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start prepares the registry schema on a background goroutine and waits
// for it. On success the advertiser is Running and its first cycle starts
// at once. A schema failure stops the advertiser and is returned wrapped in
// ErrPrepare. If Stop is called or ctx is cancelled while preparing, the
// preparation is abandoned and Start returns nil.
func (a *Advertiser) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateNotStarted {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.state = StatePreparing
	// The loop outlives Start, so it must not inherit ctx's deadline.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	prepared := make(chan error, 1)
	begin := make(chan *clock.Ticker, 1)
	a.mu.Unlock()

	a.logger.Info("preparing registry")
	go a.run(runCtx, prepared, begin)

	var err error
	select {
	case err = <-prepared:
	case <-ctx.Done():
		cancel()
		<-prepared
		err = context.Canceled
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.state != StatePreparing:
		// Stop cancelled the preparation.
		cancel()
		return nil
	case err != nil:
		a.state = StateStopped
		cancel()
		if errors.Is(err, context.Canceled) {
			a.logger.Info("start cancelled")
			return nil
		}
		a.logger.Error("registry preparation failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPrepare, err)
	}

	a.state = StateRunning
	// The ticker exists before Start returns so no tick can be missed.
	begin <- a.cfg.Clock.Ticker(a.cfg.Interval)
	a.logger.Info("advertising", zap.Duration("interval", a.cfg.Interval), zap.Duration("ttl", a.cfg.TTL))
	return nil
}

func (a *Advertiser) run(ctx context.Context, prepared chan<- error, begin <-chan *clock.Ticker) {
	defer close(a.done)

	err := a.cfg.Store.EnsureSchema(ctx)
	if err != nil && ctx.Err() != nil {
		err = context.Canceled
	}
	prepared <- err
	if err != nil {
		return
	}

	var ticker *clock.Ticker
	select {
	case ticker = <-begin:
	case <-ctx.Done():
		return
	}
	defer ticker.Stop()

	a.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

// cycle runs one Update and logs its failure. Failures never stop the loop;
// the next tick retries the whole cycle.
func (a *Advertiser) cycle(ctx context.Context) {
	if err := a.Update(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("advertising cycle failed", zap.Error(err))
	}
}

// Update replaces this controller's rows with its current endpoints, then
// deletes every stale row in the registry. Without a bound listener the
// endpoint set is empty and the controller de-advertises.
func (a *Advertiser) Update(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CycleTimeout)
	defer cancel()
	started := a.cfg.Clock.Now()

	endpoints, err := a.endpoints()
	if err != nil {
		a.cfg.Metrics.CycleFailed(metrics.StageAddresses)
		return fmt.Errorf("advertise: listing addresses: %w", err)
	}
	if err := a.cfg.Store.ReplaceAdvertisements(ctx, a.cfg.Name, endpoints); err != nil {
		a.cfg.Metrics.CycleFailed(metrics.StageReplace)
		return fmt.Errorf("advertise: %w", err)
	}
	removed, err := a.cfg.Store.CollectStale(ctx, a.cfg.TTL)
	if err != nil {
		a.cfg.Metrics.CycleFailed(metrics.StageCollect)
		return fmt.Errorf("advertise: %w", err)
	}

	a.cfg.Metrics.CycleSucceeded(len(endpoints), removed, a.cfg.Clock.Since(started).Seconds())
	a.logger.Debug("advertised", zap.Int("endpoints", len(endpoints)), zap.Int64("collected", removed))
	return nil
}

func (a *Advertiser) endpoints() ([]registry.Endpoint, error) {
	port, ok := a.boundPort()
	if !ok {
		return nil, nil
	}
	ips, err := a.cfg.Addresses()
	if err != nil {
		return nil, err
	}
	endpoints := make([]registry.Endpoint, 0, len(ips))
	for _, ip := range ips {
		endpoints = append(endpoints, registry.Endpoint{Address: ip.String(), Port: port})
	}
	return endpoints, nil
}

func (a *Advertiser) boundPort() (int, bool) {
	if a.cfg.Services == nil {
		return 0, false
	}
	svc, ok := a.cfg.Services.Lookup(a.cfg.ListenerName)
	if !ok {
		return 0, false
	}
	binder, ok := svc.(PortBinder)
	if !ok {
		return 0, false
	}
	return binder.BoundPort()
}

// Stop cancels a start in flight, or stops the cycle loop and removes this
// controller's rows. It is idempotent. If ctx ends before the rows are
// removed, Stop returns the context error and the advertiser stays Stopping;
// a later Stop finishes the withdrawal. Any other removal error is returned
// but the advertiser is Stopped either way. Concurrent calls wait for the
// withdrawal in progress.
func (a *Advertiser) Stop(ctx context.Context) error {
	for {
		a.mu.Lock()
		switch a.state {
		case StateNotStarted:
			a.state = StateStopped
			a.mu.Unlock()
			return nil
		case StatePreparing:
			// Nothing was written; the schema work is simply abandoned.
			a.state = StateStopped
			cancel, done := a.cancel, a.done
			a.mu.Unlock()
			cancel()
			return a.wait(ctx, done)
		case StateStopped:
			done := a.done
			a.mu.Unlock()
			if done == nil {
				return nil
			}
			return a.wait(ctx, done)
		case StateRunning:
			a.state = StateStopping
		}

		if attempt := a.withdrawing; attempt != nil {
			a.mu.Unlock()
			if err := a.wait(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		attempt := make(chan struct{})
		a.withdrawing = attempt
		cancel, done := a.cancel, a.done
		a.mu.Unlock()

		return a.withdraw(ctx, cancel, done, attempt)
	}
}

// withdraw stops the cycle loop and removes this controller's rows. attempt
// is closed when it returns, whether or not the advertiser reached Stopped.
func (a *Advertiser) withdraw(ctx context.Context, cancel context.CancelFunc, done, attempt chan struct{}) error {
	cancel()
	err := a.wait(ctx, done)
	if err == nil {
		rctx, rcancel := context.WithTimeout(ctx, a.cfg.CycleTimeout)
		err = a.cfg.Store.RemoveAdvertisements(rctx, a.cfg.Name)
		rcancel()
		if err != nil {
			err = fmt.Errorf("advertise: withdrawing: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.withdrawing = nil
	close(attempt)

	if err != nil && ctx.Err() != nil {
		a.logger.Warn("withdrawal interrupted", zap.Error(err))
		return err
	}
	a.state = StateStopped
	if err != nil {
		a.logger.Warn("failed to withdraw advertisements", zap.Error(err))
		return err
	}
	a.cfg.Metrics.Withdrawn()
	a.logger.Info("advertisements withdrawn")
	return nil
}

func (a *Advertiser) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("advertise: waiting for background work: %w", ctx.Err())
	}
}

// Dump returns every row in the registry, this controller's and its peers'.
func (a *Advertiser) Dump(ctx context.Context) ([]registry.Row, error) {
	if a.State() == StateNotStarted {
		return nil, ErrNotStarted
	}
	return a.cfg.Store.ListAll(ctx)
}
