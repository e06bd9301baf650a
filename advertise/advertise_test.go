package advertise

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jjqq2013/maas/ifaddr"
	"github.com/jjqq2013/maas/metrics"
	"github.com/jjqq2013/maas/registry"
	"github.com/jjqq2013/maas/services"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeListener stands in for the RPC listener in the service collection.
type fakeListener struct {
	port atomic.Int64
}

func (l *fakeListener) Name() string { return "rpc" }

func (l *fakeListener) Start(ctx context.Context) error { return nil }

func (l *fakeListener) Stop(ctx context.Context) error { return nil }

func (l *fakeListener) BoundPort() (int, bool) {
	p := int(l.port.Load())
	return p, p != 0
}

func listening(t *testing.T, port int) (*services.Collection, *fakeListener) {
	t.Helper()
	l := &fakeListener{}
	l.port.Store(int64(port))
	c := services.NewCollection(nil)
	require.NoError(t, c.Add(l))
	return c, l
}

// hookedStore wraps a real store, recording calls and optionally failing them.
type hookedStore struct {
	registry.Registry

	mu         sync.Mutex
	calls      []string
	ensure     func(ctx context.Context) error
	replaceErr error
	replaced   atomic.Int64
}

func (s *hookedStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *hookedStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *hookedStore) EnsureSchema(ctx context.Context) error {
	s.record("ensure")
	if s.ensure != nil {
		return s.ensure(ctx)
	}
	return s.Registry.EnsureSchema(ctx)
}

func (s *hookedStore) ReplaceAdvertisements(ctx context.Context, name string, endpoints []registry.Endpoint) error {
	s.record("replace")
	s.replaced.Add(1)
	s.mu.Lock()
	err := s.replaceErr
	s.replaceErr = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Registry.ReplaceAdvertisements(ctx, name, endpoints)
}

func (s *hookedStore) CollectStale(ctx context.Context, ttl time.Duration) (int64, error) {
	s.record("collect " + ttl.String())
	return s.Registry.CollectStale(ctx, ttl)
}

func (s *hookedStore) RemoveAdvertisements(ctx context.Context, name string) error {
	s.record("remove")
	return s.Registry.RemoveAdvertisements(ctx, name)
}

// sharedDB returns a function opening a new store on one database file,
// each store playing a separate controller process.
func sharedDB(t *testing.T) func() *registry.Store {
	dsn := filepath.Join(t.TempDir(), "registry.db")
	return func() *registry.Store {
		s, err := registry.Open(context.Background(), registry.Config{Driver: "sqlite", DSN: dsn}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}
}

func newAdvertiser(t *testing.T, cfg Config) *Advertiser {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = clock.NewMock()
	}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a
}

func rowsOf(t *testing.T, a *Advertiser) []registry.Row {
	t.Helper()
	rows, err := a.Dump(context.Background())
	require.NoError(t, err)
	return rows
}

func TestTwoControllers(t *testing.T) {
	open := sharedDB(t)
	ctx := context.Background()

	svcA, _ := listening(t, 4321)
	a := newAdvertiser(t, Config{
		Name:      "regiond-1",
		Store:     open(),
		Services:  svcA,
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.5")),
	})
	svcB, _ := listening(t, 4321)
	b := newAdvertiser(t, Config{
		Name:      "regiond-2",
		Store:     open(),
		Services:  svcB,
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.9")),
	})

	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	assert.Equal(t, StateRunning, a.State())

	want := []registry.Row{
		{Name: "regiond-1", Address: "10.0.0.5", Port: 4321},
		{Name: "regiond-2", Address: "10.0.0.9", Port: 4321},
	}
	require.Eventually(t, func() bool {
		return len(rowsOf(t, a)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, want, rowsOf(t, b))

	// A third controller claiming regiond-1's socket loses.
	svcC, _ := listening(t, 4321)
	c := newAdvertiser(t, Config{
		Name:      "regiond-3",
		Store:     open(),
		Services:  svcC,
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.5")),
	})
	err := c.Update(ctx)
	require.ErrorIs(t, err, registry.ErrConflict)
	assert.ElementsMatch(t, want, rowsOf(t, b))

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, []registry.Row{{Name: "regiond-2", Address: "10.0.0.9", Port: 4321}}, rowsOf(t, b))
}

func TestCyclesFollowTicker(t *testing.T) {
	mock := clock.NewMock()
	store := &hookedStore{Registry: sharedDB(t)()}
	svc, listener := listening(t, 4000)
	a := newAdvertiser(t, Config{
		Name:      "regiond-1",
		Store:     store,
		Services:  svc,
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.5"), net.ParseIP("192.168.1.5")),
		Clock:     mock,
	})

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return store.replaced.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Len(t, rowsOf(t, a), 2)

	listener.port.Store(5000)
	mock.Add(DefaultInterval)
	require.Eventually(t, func() bool { return store.replaced.Load() == 2 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		rows := rowsOf(t, a)
		return len(rows) == 2 && rows[0].Port == 5000 && rows[1].Port == 5000
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, []string{
		"ensure",
		"replace", "collect 5m0s",
		"replace", "collect 5m0s",
		"remove",
	}, store.Calls())
	assert.Empty(t, rowsOf(t, a))
}

func TestUnboundListenerDeAdvertises(t *testing.T) {
	ctx := context.Background()
	svc, listener := listening(t, 4321)
	a := newAdvertiser(t, Config{
		Name:      "regiond-1",
		Store:     sharedDB(t)(),
		Services:  svc,
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.5")),
	})
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool { return len(rowsOf(t, a)) == 1 }, 5*time.Second, time.Millisecond)

	listener.port.Store(0)
	require.NoError(t, a.Update(ctx))
	assert.Empty(t, rowsOf(t, a))

	// No listener registered at all behaves the same.
	b := newAdvertiser(t, Config{
		Name:      "regiond-2",
		Store:     sharedDB(t)(),
		Services:  services.NewCollection(nil),
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.9")),
	})
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Update(ctx))
	assert.Empty(t, rowsOf(t, b))
}

func TestIdempotentUpdate(t *testing.T) {
	ctx := context.Background()
	svc, _ := listening(t, 4321)
	a := newAdvertiser(t, Config{
		Name:      "regiond-1",
		Store:     sharedDB(t)(),
		Services:  svc,
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.5"), net.ParseIP("2001:db8::5")),
	})
	require.NoError(t, a.Start(ctx))

	require.NoError(t, a.Update(ctx))
	first := rowsOf(t, a)
	require.NoError(t, a.Update(ctx))
	assert.Equal(t, first, rowsOf(t, a))
	assert.Len(t, first, 2)
}

func TestFailedCycleKeepsTicking(t *testing.T) {
	mock := clock.NewMock()
	m := metrics.New()
	store := &hookedStore{Registry: sharedDB(t)(), replaceErr: errors.New("connection reset")}
	svc, _ := listening(t, 4321)
	a := newAdvertiser(t, Config{
		Name:      "regiond-1",
		Store:     store,
		Services:  svc,
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.5")),
		Clock:     mock,
		Metrics:   m,
	})

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return store.replaced.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Empty(t, rowsOf(t, a))
	assert.Equal(t, StateRunning, a.State())

	mock.Add(DefaultInterval)
	require.Eventually(t, func() bool { return len(rowsOf(t, a)) == 1 }, 5*time.Second, time.Millisecond)

	expected := `
# HELP regiond_advertise_cycle_failures_total Advertising cycles that failed, by the step that failed.
# TYPE regiond_advertise_cycle_failures_total counter
regiond_advertise_cycle_failures_total{stage="replace"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "regiond_advertise_cycle_failures_total"))
}

func TestPrepareFailure(t *testing.T) {
	boom := errors.New("permission denied for schema public")
	store := &hookedStore{
		Registry: sharedDB(t)(),
		ensure:   func(context.Context) error { return boom },
	}
	a := newAdvertiser(t, Config{Name: "regiond-1", Store: store})

	err := a.Start(context.Background())
	require.ErrorIs(t, err, ErrPrepare)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateStopped, a.State())

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, []string{"ensure"}, store.Calls())
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
}

// blockingSchema parks EnsureSchema until its context is cancelled.
func blockingSchema(entered chan<- struct{}) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestStopWhilePreparing(t *testing.T) {
	entered := make(chan struct{})
	store := &hookedStore{Registry: sharedDB(t)(), ensure: blockingSchema(entered)}
	a := newAdvertiser(t, Config{Name: "regiond-1", Store: store})

	started := make(chan error, 1)
	go func() { started <- a.Start(context.Background()) }()

	<-entered
	assert.Equal(t, StatePreparing, a.State())
	require.NoError(t, a.Stop(context.Background()))

	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, []string{"ensure"}, store.Calls())
}

func TestStartContextCancelled(t *testing.T) {
	entered := make(chan struct{})
	store := &hookedStore{Registry: sharedDB(t)(), ensure: blockingSchema(entered)}
	a := newAdvertiser(t, Config{Name: "regiond-1", Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, []string{"ensure"}, store.Calls())
}

func TestDumpBeforeStart(t *testing.T) {
	a := newAdvertiser(t, Config{Name: "regiond-1", Store: sharedDB(t)()})
	_, err := a.Dump(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)

	assert.Equal(t, ServiceName, a.Name())
	assert.Equal(t, "regiond-1", a.Identity())
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := newAdvertiser(t, Config{Name: "regiond-1", Store: sharedDB(t)()})
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, StateStopped, a.State())

	// Dump still works once stopped.
	_, err := a.Dump(ctx)
	assert.NoError(t, err)
}

func TestStopAfterInterruptedStopWithdraws(t *testing.T) {
	svc, _ := listening(t, 4321)
	a := newAdvertiser(t, Config{
		Name:      "regiond-1",
		Store:     sharedDB(t)(),
		Services:  svc,
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.5")),
	})
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rowsOf(t, a)) == 1 }, 5*time.Second, time.Millisecond)

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.Stop(expired), context.Canceled)
	assert.Equal(t, StateStopping, a.State())
	assert.Equal(t, []registry.Row{{Name: "regiond-1", Address: "10.0.0.5", Port: 4321}}, rowsOf(t, a))

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, StateStopped, a.State())
	assert.Empty(t, rowsOf(t, a))
}

func TestConcurrentStopsWaitForWithdrawal(t *testing.T) {
	svc, _ := listening(t, 4321)
	a := newAdvertiser(t, Config{
		Name:      "regiond-1",
		Store:     sharedDB(t)(),
		Services:  svc,
		Addresses: ifaddr.Static(net.ParseIP("10.0.0.5")),
	})
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rowsOf(t, a)) == 1 }, 5*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = a.Stop(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, StateStopped, a.State())
	assert.Empty(t, rowsOf(t, a))
}

func TestConfigValidation(t *testing.T) {
	store := registry.Registry(&hookedStore{})

	_, err := New(Config{Store: store})
	assert.Error(t, err)

	_, err = New(Config{Name: "regiond-1"})
	assert.Error(t, err)

	_, err = New(Config{Name: "regiond-1", Store: store, Interval: time.Minute, TTL: 4 * time.Minute})
	assert.Error(t, err)

	a, err := New(Config{Name: "regiond-1", Store: store, Interval: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, a.cfg.TTL)
	assert.Equal(t, 10*time.Second, a.cfg.CycleTimeout)
	assert.Equal(t, "rpc", a.cfg.ListenerName)
	assert.Equal(t, StateNotStarted, a.State())
}
