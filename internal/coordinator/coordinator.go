package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/cdcfleet/internal/config"
	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/metrics"
	"github.com/dreamware/cdcfleet/internal/storage"
	"github.com/dreamware/cdcfleet/internal/task"
)

// ErrTaskNotFound is returned for a task id with no stored configuration
var ErrTaskNotFound = errors.New("task not found")

// Options configures a Coordinator
type Options struct {
	NodeID    string
	Store     storage.Store
	KeyPrefix string
	Timing    config.Timing
	// OpTimeout bounds store calls made outside a caller's context
	OpTimeout time.Duration
	Engines   *connector.Registry
	Env       connector.Env
	// RecoverFailed lets the orphan detector restart tasks whose engine failed
	RecoverFailed bool
	// HandoffOnShutdown keeps assignments in Destroy so other nodes take over
	HandoffOnShutdown bool
	Sink              Sink
	Metrics           *metrics.Metrics
	Log               logrus.FieldLogger
	// Now defaults to time.Now
	Now func() time.Time
}

// taskLocks serializes lifecycle changes of the same task within this process
type taskLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (t *taskLocks) lock(taskID string) (unlock func()) {
	t.mu.Lock()
	if t.m == nil {
		t.m = make(map[string]*sync.Mutex)
	}
	l, ok := t.m[taskID]
	if !ok {
		l = &sync.Mutex{}
		t.m[taskID] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// StartResult reports whether this node won the task lease
type StartResult struct {
	Acquired bool   `json:"acquired"`
	Owner    string `json:"owner,omitempty"`
}

// Coordinator runs CDC tasks across a fleet so that each task has exactly
// one running engine. It composes the lock manager, heartbeat publisher,
// registry, runner, statistics recorder and orphan detector of one node.
type Coordinator struct {
	nodeID    string
	opts      Options
	keys      Keys
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	scheduler *Scheduler
	serial    *taskLocks

	handles    *Handles
	locks      *LockManager
	heartbeats *HeartbeatPublisher
	registry   *Registry
	stats      *StatsRecorder
	runner     *Runner
	detector   *OrphanDetector
}

// New wires a coordinator. It fails if the timing settings break lease safety.
func New(opts Options) (*Coordinator, error) {
	if strings.TrimSpace(opts.NodeID) == "" {
		return nil, errors.New("node id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Engines == nil {
		return nil, errors.New("engine registry is required")
	}
	if err := opts.Timing.Validate(); err != nil {
		return nil, err
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "cdc"
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	opts.Env.NodeID = opts.NodeID

	log := opts.Log.WithField("node", opts.NodeID)
	keys := Keys{Prefix: opts.KeyPrefix}
	c := &Coordinator{
		nodeID:    opts.NodeID,
		opts:      opts,
		keys:      keys,
		log:       log,
		metrics:   opts.Metrics,
		scheduler: NewScheduler(log),
		serial:    &taskLocks{},
		handles:   NewHandles(),
	}

	c.locks = NewLockManager(opts.Store, keys, opts.NodeID, opts.Timing.LockTTL, opts.Now, log)
	c.heartbeats = NewHeartbeatPublisher(opts.Store, keys, opts.NodeID, opts.Timing.HeartbeatTTL, opts.Now, c.handles.Len, log)
	c.registry = NewRegistry(opts.Store, keys, opts.NodeID, opts.Now)
	c.stats = NewStatsRecorder(opts.Store, keys, opts.NodeID, opts.Now, opts.Sink, opts.Metrics, log)
	c.runner = &Runner{
		handles:      c.handles,
		registry:     c.registry,
		locks:        c.locks,
		engines:      opts.Engines,
		stats:        c.stats,
		env:          opts.Env,
		closeTimeout: opts.Timing.EngineCloseTimeout,
		opTimeout:    opts.OpTimeout,
		metrics:      opts.Metrics,
		log:          log,
	}
	c.detector = &OrphanDetector{
		nodeID:        opts.NodeID,
		registry:      c.registry,
		locks:         c.locks,
		heartbeats:    c.heartbeats,
		runner:        c.runner,
		handles:       c.handles,
		recoverFailed: opts.RecoverFailed,
		serial:        c.serial,
		metrics:       opts.Metrics,
		log:           log,
	}
	return c, nil
}

// NodeID returns this node's identifier
func (c *Coordinator) NodeID() string { return c.nodeID }

// Open publishes the first heartbeat and starts the heartbeat and orphan
// scan schedules.
func (c *Coordinator) Open(ctx context.Context) error {
	if err := c.heartbeats.Publish(ctx); err != nil {
		return err
	}
	t := c.opts.Timing
	c.scheduler.Every("heartbeat", t.HeartbeatInterval, t.HeartbeatInterval, func(ctx context.Context) { c.Beat(ctx) })
	c.scheduler.Every("orphan-scan", t.DetectorDelay, t.DetectorPeriod, func(ctx context.Context) { c.Scan(ctx) })
	c.scheduler.Start()
	c.log.WithFields(logrus.Fields{
		"heartbeat_interval": t.HeartbeatInterval,
		"detector_period":    t.DetectorPeriod,
	}).Info("Coordinator started")
	return nil
}

// Beat publishes the heartbeat and renews the lease of every local task.
// A task whose lease another node holds is dropped locally. A task whose
// lease is gone and which is no longer assigned here was stopped elsewhere
// and is stopped locally.
func (c *Coordinator) Beat(ctx context.Context) {
	if err := c.heartbeats.Publish(ctx); err != nil {
		c.metrics.HeartbeatFailures.Inc()
		c.log.WithError(err).Warn("Heartbeat failed")
	}

	for _, id := range c.handles.TaskIDs() {
		c.renew(ctx, id)
	}
}

func (c *Coordinator) renew(ctx context.Context, id string) {
	defer c.serial.lock(id)()
	if !c.handles.Has(id) {
		return
	}
	log := c.log.WithField("task", id)

	_, held, err := c.locks.Holder(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Lease check failed")
		return
	}
	if !held {
		assigned, err := c.registry.Assignment(ctx, id)
		if err != nil {
			log.WithError(err).Warn("Lease check failed")
			return
		}
		if assigned != c.nodeID {
			log.Info("Task was stopped elsewhere, stopping local engine")
			if err := c.runner.StopLocal(ctx, id); err != nil {
				log.WithError(err).Warn("Failed to record STOPPED status")
			}
			return
		}
	}

	res, err := c.locks.Renew(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Lease renewal failed")
		return
	}
	switch res {
	case Reacquired:
		log.Warn("Lease had lapsed and was reacquired")
	case Lost:
		log.Warn("Lease held by another node, dropping local engine")
		c.runner.Drop(id)
	}
}

// Scan runs one orphan detection pass and returns the tasks taken over
func (c *Coordinator) Scan(ctx context.Context) []string {
	return c.detector.Scan(ctx)
}

// Start saves cfg and tries to run it here. Losing the lease to another
// node is not an error; the result reports who owns the task. Starting a
// task this node already owns relaunches its engine with cfg.
func (c *Coordinator) Start(ctx context.Context, cfg *task.Config) (StartResult, error) {
	if err := cfg.Validate(); err != nil {
		return StartResult{}, err
	}
	if _, err := connector.SpecFor(cfg); err != nil {
		return StartResult{}, err
	}
	log := c.log.WithField("task", cfg.TaskID)
	defer c.serial.lock(cfg.TaskID)()

	if err := c.registry.SaveConfig(ctx, cfg); err != nil {
		return StartResult{}, err
	}

	acquired, err := c.locks.TryAcquire(ctx, cfg.TaskID)
	c.metrics.RecordLock(acquired, err)
	if err != nil {
		return StartResult{}, err
	}
	if !acquired {
		owner, err := c.ownLease(ctx, cfg.TaskID)
		if err != nil {
			return StartResult{}, err
		}
		if owner != c.nodeID {
			log.WithField("owner", owner).Info("Task already owned by another node")
			return StartResult{Owner: owner}, nil
		}
		log.Info("Task already owned here, relaunching")
	}

	if err := c.runner.StartLocal(ctx, cfg); err != nil {
		c.locks.Release(ctx, cfg.TaskID)
		if serr := c.registry.SetStatus(ctx, cfg.TaskID, task.StateError, err.Error()); serr != nil {
			log.WithError(serr).Warn("Failed to record ERROR status")
		}
		return StartResult{}, err
	}
	if err := c.registry.SetAssignment(ctx, cfg.TaskID, c.nodeID); err != nil {
		c.runner.Drop(cfg.TaskID)
		c.locks.Release(ctx, cfg.TaskID)
		if serr := c.registry.SetStatus(ctx, cfg.TaskID, task.StateError, err.Error()); serr != nil {
			log.WithError(serr).Warn("Failed to record ERROR status")
		}
		return StartResult{}, err
	}
	log.Info("Task started")
	return StartResult{Acquired: true, Owner: c.nodeID}, nil
}

// ownLease returns the holder of a lease that TryAcquire could not create.
// When this node holds it, the TTL is refreshed and the node id returned.
func (c *Coordinator) ownLease(ctx context.Context, taskID string) (string, error) {
	lease, held, err := c.locks.Holder(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !held || lease.Owner != c.nodeID {
		return lease.Owner, nil
	}
	res, err := c.locks.Renew(ctx, taskID)
	if err != nil {
		return "", err
	}
	if res == Lost {
		lease, _, err = c.locks.Holder(ctx, taskID)
		return lease.Owner, err
	}
	return c.nodeID, nil
}

// Stop stops the task here, releases its lease and clears its assignment.
// Stopping a stopped or unknown task is a no-op. When the task runs on
// another node, that node stops it on its next heartbeat.
func (c *Coordinator) Stop(ctx context.Context, taskID string) error {
	defer c.serial.lock(taskID)()
	if err := c.runner.StopLocal(ctx, taskID); err != nil {
		return err
	}
	c.locks.Release(ctx, taskID)
	if err := c.registry.ClearAssignment(ctx, taskID); err != nil {
		return err
	}
	c.log.WithField("task", taskID).Info("Task stopped")
	return nil
}

// Restart stops the task and starts it again from its stored configuration
func (c *Coordinator) Restart(ctx context.Context, taskID string) (StartResult, error) {
	cfg, err := c.registry.Config(ctx, taskID)
	if err != nil {
		return StartResult{}, err
	}
	if cfg == nil {
		return StartResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := c.Stop(ctx, taskID); err != nil {
		return StartResult{}, err
	}
	return c.Start(ctx, cfg)
}

// Delete stops the task and removes its configuration, status and statistics
func (c *Coordinator) Delete(ctx context.Context, taskID string) error {
	if err := c.Stop(ctx, taskID); err != nil {
		return err
	}
	if err := c.registry.Delete(ctx, taskID); err != nil {
		return err
	}
	c.log.WithField("task", taskID).Info("Task deleted")
	return nil
}

// Status merges what the store and this node know about a task
func (c *Coordinator) Status(ctx context.Context, taskID string) (*task.View, error) {
	cfg, err := c.registry.Config(ctx, taskID)
	if err != nil {
		return nil, err
	}
	st, err := c.registry.Status(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cfg == nil && st == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	view := &task.View{
		TaskID:               taskID,
		Config:               cfg,
		Status:               st,
		RunningOnCurrentNode: c.handles.Has(taskID),
	}
	if view.AssignedNode, err = c.registry.Assignment(ctx, taskID); err != nil {
		return nil, err
	}
	lease, held, err := c.locks.Holder(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if held {
		view.LockOwner = lease.Owner
	}
	if view.Statistics, err = c.stats.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return view, nil
}

// List returns the status of every known task, ordered by id
func (c *Coordinator) List(ctx context.Context) ([]task.View, error) {
	ids, err := c.registry.TaskIDs(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)

	views := make([]task.View, 0, len(ids))
	for _, id := range ids {
		v, err := c.Status(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// Nodes lists every node that has published a heartbeat, ordered by id
func (c *Coordinator) Nodes(ctx context.Context) ([]task.NodeView, error) {
	ids, err := c.opts.Store.MembersOf(ctx, c.keys.Nodes())
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	slices.Sort(ids)

	nodes := make([]task.NodeView, 0, len(ids))
	for _, id := range ids {
		hb, err := c.heartbeats.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, task.NodeView{NodeID: id, Alive: c.heartbeats.Fresh(hb), Heartbeat: hb})
	}
	return nodes, nil
}

// LocalTasks returns the tasks running on this node
func (c *Coordinator) LocalTasks() []string {
	return c.handles.TaskIDs()
}

// Destroy shuts the node down: it stops the schedules, stops every local
// task, releases its lease and clears its assignment, then deletes the
// heartbeat. With HandoffOnShutdown the assignments are kept so that other
// nodes pick the tasks up on their next scan.
func (c *Coordinator) Destroy(ctx context.Context) error {
	c.scheduler.Stop(ctx)

	var errs []error
	for _, id := range c.handles.TaskIDs() {
		if err := c.shutdownTask(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.heartbeats.Remove(ctx); err != nil {
		errs = append(errs, err)
	}
	c.log.Info("Coordinator stopped")
	return errors.Join(errs...)
}

// Abandon stops the schedules and local engines without writing to the
// store. Leases and the heartbeat expire on their own, as after a crash.
func (c *Coordinator) Abandon() {
	c.scheduler.Stop(context.Background())
	for _, id := range c.handles.TaskIDs() {
		c.runner.Drop(id)
	}
	c.log.Warn("Coordinator abandoned its tasks")
}

func (c *Coordinator) shutdownTask(ctx context.Context, id string) error {
	defer c.serial.lock(id)()
	err := c.runner.StopLocal(ctx, id)
	c.locks.Release(ctx, id)
	if c.opts.HandoffOnShutdown {
		return err
	}
	return errors.Join(err, c.registry.ClearAssignment(ctx, id))
}
