package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/metrics"
	"github.com/dreamware/cdcfleet/internal/task"
)

// ErrEngineExited is recorded when an engine returns without being stopped
var ErrEngineExited = errors.New("engine exited unexpectedly")

// handle is a running engine and the goroutine driving it
type handle struct {
	id     string
	taskID string
	engine connector.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// Handles is the table of engines running on this node, keyed by task id.
// It is process-local and never written to the coordination store.
type Handles struct {
	mu sync.Mutex
	m  map[string]*handle
}

// NewHandles creates an empty handle table
func NewHandles() *Handles {
	return &Handles{m: make(map[string]*handle)}
}

func (t *Handles) put(h *handle) *handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.m[h.taskID]
	t.m[h.taskID] = h
	return old
}

func (t *Handles) take(taskID string) *handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.m[taskID]
	delete(t.m, taskID)
	return h
}

// remove deletes h only if it is still the current handle of its task
func (t *Handles) remove(h *handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m[h.taskID] != h {
		return false
	}
	delete(t.m, h.taskID)
	return true
}

// Has reports whether taskID runs on this node
func (t *Handles) Has(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[taskID]
	return ok
}

// TaskIDs returns the locally running tasks in sorted order
func (t *Handles) TaskIDs() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.m))
	for id := range t.m {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Len is the number of local engines
func (t *Handles) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Runner starts and stops engines on this node
type Runner struct {
	handles      *Handles
	registry     *Registry
	locks        *LockManager
	engines      *connector.Registry
	stats        *StatsRecorder
	env          connector.Env
	closeTimeout time.Duration
	opTimeout    time.Duration
	metrics      *metrics.Metrics
	log          logrus.FieldLogger
}

// StartLocal launches an engine for cfg, replacing any engine already
// running for the task, and marks the task RUNNING. It returns once the
// engine goroutine is started.
func (r *Runner) StartLocal(ctx context.Context, cfg *task.Config) error {
	log := r.log.WithField("task", cfg.TaskID)

	if old := r.handles.take(cfg.TaskID); old != nil {
		log.Info("Restarting local engine")
		r.shutdown(old)
	}

	params, err := connector.Build(cfg, r.env)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		id:     uuid.NewString(),
		taskID: cfg.TaskID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	engine, err := r.engines.New(params, func(rec connector.Record) {
		r.stats.Handle(runCtx, cfg.TaskID, rec)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("create engine for %s: %w", cfg.TaskID, err)
	}
	h.engine = engine

	if old := r.handles.put(h); old != nil {
		r.shutdown(old)
	}
	go r.run(runCtx, h)
	r.metrics.LocalTasks.Set(float64(r.handles.Len()))

	log.WithFields(logrus.Fields{"kind": cfg.Kind, "engine": h.id}).Info("Engine started")
	if err := r.registry.SetStatus(ctx, cfg.TaskID, task.StateRunning, "task running"); err != nil {
		log.WithError(err).Warn("Failed to record RUNNING status")
	}
	return nil
}

// StopLocal closes the local engine of a task, if any, and marks it STOPPED.
// Close errors are logged; the handle is removed either way.
func (r *Runner) StopLocal(ctx context.Context, taskID string) error {
	if h := r.handles.take(taskID); h != nil {
		r.shutdown(h)
		r.metrics.LocalTasks.Set(float64(r.handles.Len()))
		r.log.WithField("task", taskID).Info("Engine stopped")
	}
	return r.registry.SetStatus(ctx, taskID, task.StateStopped, "task stopped")
}

// Drop closes the local engine without touching shared state.
// Used when another node holds the lease.
func (r *Runner) Drop(taskID string) bool {
	h := r.handles.take(taskID)
	if h == nil {
		return false
	}
	r.shutdown(h)
	r.metrics.LocalTasks.Set(float64(r.handles.Len()))
	return true
}

// shutdown cancels and closes an engine, waiting at most closeTimeout for
// its goroutine to finish.
func (r *Runner) shutdown(h *handle) {
	log := r.log.WithFields(logrus.Fields{"task": h.taskID, "engine": h.id})
	h.cancel()
	if err := h.engine.Close(); err != nil {
		log.WithError(err).Warn("Engine close failed")
	}
	select {
	case <-h.done:
	case <-time.After(r.closeTimeout):
		log.WithField("timeout", r.closeTimeout).Warn("Engine did not stop in time")
	}
}

// run drives one engine. If the engine ends while its handle is still
// registered, nobody asked it to stop: the task is marked ERROR and its
// lease released so the orphan detector can restart it.
func (r *Runner) run(ctx context.Context, h *handle) {
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("engine panic: %v", p)
			}
		}()
		err = h.engine.Run(ctx)
	}()
	close(h.done)

	if !r.handles.remove(h) {
		return
	}
	if err == nil {
		err = ErrEngineExited
	}

	log := r.log.WithFields(logrus.Fields{"task": h.taskID, "engine": h.id})
	log.WithError(err).Error("Engine failed")
	r.metrics.EngineFailures.WithLabelValues(h.taskID).Inc()
	r.metrics.LocalTasks.Set(float64(r.handles.Len()))
	h.cancel()
	if cerr := h.engine.Close(); cerr != nil {
		log.WithError(cerr).Debug("Close after failure")
	}

	sctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if r.handles.Has(h.taskID) {
		return // restarted meanwhile
	}
	if serr := r.registry.SetStatus(sctx, h.taskID, task.StateError, err.Error()); serr != nil {
		log.WithError(serr).Warn("Failed to record ERROR status")
	}
	r.locks.ReleaseOwned(sctx, h.taskID)
}
