package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cdcfleet/internal/config"
	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/logging"
	"github.com/dreamware/cdcfleet/internal/metrics"
	"github.com/dreamware/cdcfleet/internal/storage"
	"github.com/dreamware/cdcfleet/internal/task"
)

// fakeClock is a manually advanced time source shared by store and nodes
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeEngine blocks until stopped or told to fail
type fakeEngine struct {
	params  connector.Params
	handler connector.Handler
	stop    chan struct{}
	fail    chan error
	once    sync.Once
}

func (e *fakeEngine) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-e.stop:
		return nil
	case err := <-e.fail:
		return err
	}
}

func (e *fakeEngine) Close() error {
	e.once.Do(func() { close(e.stop) })
	return nil
}

func (e *fakeEngine) stopped() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

// fakeEngines records every engine it builds
type fakeEngines struct {
	mu        sync.Mutex
	built     []*fakeEngine
	createErr error
}

func (f *fakeEngines) registry() *connector.Registry {
	reg := connector.NewRegistry()
	for _, k := range task.Kinds {
		reg.Register(k, f.build)
	}
	return reg
}

func (f *fakeEngines) build(p connector.Params, h connector.Handler) (connector.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	e := &fakeEngine{params: p, handler: h, stop: make(chan struct{}), fail: make(chan error, 1)}
	f.built = append(f.built, e)
	return e, nil
}

func (f *fakeEngines) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

// latest returns the most recent engine built for taskID
func (f *fakeEngines) latest(taskID string) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.built) - 1; i >= 0; i-- {
		if f.built[i].params.TaskID == taskID {
			return f.built[i]
		}
	}
	return nil
}

// cluster is a set of nodes sharing one in-memory store and clock
type cluster struct {
	t       *testing.T
	store   *storage.MemoryStore
	clock   *fakeClock
	engines *fakeEngines
}

func newCluster(t *testing.T) *cluster {
	clock := newFakeClock()
	store := storage.NewMemoryStore()
	store.SetClock(clock.Now)
	return &cluster{t: t, store: store, clock: clock, engines: &fakeEngines{}}
}

// hookStore wraps the shared store so a test can act between a node's
// store calls or make writes fail
type hookStore struct {
	*storage.MemoryStore
	afterGet func(key string)
	failSet  func(key string) error
}

func (h *hookStore) Get(ctx context.Context, key string) (string, error) {
	v, err := h.MemoryStore.Get(ctx, key)
	if h.afterGet != nil {
		h.afterGet(key)
	}
	return v, err
}

func (h *hookStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if h.failSet != nil {
		if err := h.failSet(key); err != nil {
			return err
		}
	}
	return h.MemoryStore.Set(ctx, key, value, ttl)
}

func quietLogger() *logrus.Logger { return logging.Discard() }

func testTiming() config.Timing {
	timing := config.DefaultTiming()
	timing.EngineCloseTimeout = time.Second
	return timing
}

func (c *cluster) options(nodeID string) Options {
	return Options{
		NodeID:        nodeID,
		Store:         c.store,
		KeyPrefix:     "test",
		Timing:        testTiming(),
		Engines:       c.engines.registry(),
		Env:           connector.Env{DataDir: c.t.TempDir()},
		RecoverFailed: true,
		Metrics:       metrics.New(),
		Log:           quietLogger(),
		Now:           c.clock.Now,
	}
}

// node creates a coordinator and publishes its first heartbeat
func (c *cluster) node(nodeID string, modify ...func(*Options)) *Coordinator {
	opts := c.options(nodeID)
	for _, m := range modify {
		m(&opts)
	}
	n, err := New(opts)
	require.NoError(c.t, err)
	require.NoError(c.t, n.heartbeats.Publish(context.Background()))
	c.t.Cleanup(func() {
		for _, id := range n.LocalTasks() {
			n.runner.Drop(id)
		}
	})
	return n
}

func (c *cluster) keys() Keys { return Keys{Prefix: "test"} }

func (c *cluster) get(key string) (string, bool) {
	v, err := c.store.Get(context.Background(), key)
	if err == storage.ErrKeyNotFound {
		return "", false
	}
	require.NoError(c.t, err)
	return v, true
}

// lockOwner returns the node holding the lease of taskID, or ""
func (c *cluster) lockOwner(taskID string) string {
	v, ok := c.get(c.keys().Lock(taskID))
	if !ok {
		return ""
	}
	lease, err := ParseLease(v)
	require.NoError(c.t, err)
	return lease.Owner
}

func (c *cluster) assignment(taskID string) string {
	v, _ := c.get(c.keys().Assignment(taskID))
	return v
}

func pgTask(id string) *task.Config {
	return &task.Config{
		TaskID: id,
		Kind:   task.KindPostgres,
		DataSources: []task.DataSource{{
			Connection: &task.Connection{Hostname: "db", Port: "5432", Username: "repl", Password: "secret", Database: "app"},
		}},
		Tables: []task.TableFilter{{SourceTableName: "public.orders"}},
	}
}
