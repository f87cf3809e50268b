package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/cdcfleet/internal/metrics"
	"github.com/dreamware/cdcfleet/internal/task"
)

// OrphanDetector finds tasks whose owner looks dead and tries to take them over.
//
// A task is an orphan candidate when it is assigned and
//   - its owner has no fresh heartbeat, or
//   - it is assigned to this node but no engine runs here and no lease is held, or
//   - recoverFailed is set and its status is ERROR with no lease held.
//
// Candidates are claimed through the task lease, so among racing detectors
// exactly one wins.
type OrphanDetector struct {
	nodeID        string
	registry      *Registry
	locks         *LockManager
	heartbeats    *HeartbeatPublisher
	runner        *Runner
	handles       *Handles
	recoverFailed bool
	serial        *taskLocks
	metrics       *metrics.Metrics
	log           logrus.FieldLogger
}

// Scan checks every known task once and returns the ids this node took over.
// A failure on one task is logged and the scan moves on.
func (d *OrphanDetector) Scan(ctx context.Context) []string {
	start := time.Now()
	defer func() { d.metrics.ObserveScan(time.Since(start)) }()

	ids, err := d.registry.TaskIDs(ctx)
	if err != nil {
		d.log.WithError(err).Warn("Orphan scan could not list tasks")
		return nil
	}
	slices.Sort(ids)

	var taken []string
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		ok, err := d.check(ctx, id)
		if err != nil {
			d.log.WithError(err).WithField("task", id).Warn("Orphan check failed")
			continue
		}
		if ok {
			taken = append(taken, id)
		}
	}
	return taken
}

func (d *OrphanDetector) check(ctx context.Context, taskID string) (bool, error) {
	defer d.serial.lock(taskID)()

	assigned, err := d.registry.Assignment(ctx, taskID)
	if err != nil || assigned == "" {
		return false, err
	}

	reason, err := d.orphaned(ctx, taskID, assigned)
	if err != nil || reason == "" {
		return false, err
	}

	cfg, err := d.registry.Config(ctx, taskID)
	if err != nil {
		return false, err
	}
	if cfg == nil {
		return false, fmt.Errorf("%w: no stored config", ErrTaskNotFound)
	}

	acquired, err := d.locks.TryAcquire(ctx, taskID)
	d.metrics.RecordLock(acquired, err)
	if err != nil || !acquired {
		return false, err
	}

	log := d.log.WithFields(logrus.Fields{"task": taskID, "previous_owner": assigned, "reason": reason})
	if err := d.runner.StartLocal(ctx, cfg); err != nil {
		d.locks.Release(ctx, taskID)
		if serr := d.registry.SetStatus(ctx, taskID, task.StateError, err.Error()); serr != nil {
			log.WithError(serr).Warn("Failed to record ERROR status")
		}
		return false, fmt.Errorf("takeover start: %w", err)
	}
	if err := d.registry.SetAssignment(ctx, taskID, d.nodeID); err != nil {
		log.WithError(err).Warn("Took over task but could not record assignment")
	}

	d.metrics.Takeovers.Inc()
	log.Info("Took over orphaned task")
	return true, nil
}

// orphaned returns why the task should be claimed, or "" if it should not
func (d *OrphanDetector) orphaned(ctx context.Context, taskID, assigned string) (string, error) {
	if assigned == d.nodeID {
		if d.handles.Has(taskID) {
			return "", nil
		}
		failed, err := d.failed(ctx, taskID)
		if err != nil {
			return "", err
		}
		if failed && !d.recoverFailed {
			return "", nil
		}
		return d.unlocked(ctx, taskID, "assigned here but not running")
	}

	alive, err := d.heartbeats.Alive(ctx, assigned)
	if err != nil {
		return "", err
	}
	if !alive {
		return "owner heartbeat missing or stale", nil
	}

	if !d.recoverFailed {
		return "", nil
	}
	failed, err := d.failed(ctx, taskID)
	if err != nil || !failed {
		return "", err
	}
	return d.unlocked(ctx, taskID, "owner engine failed")
}

func (d *OrphanDetector) failed(ctx context.Context, taskID string) (bool, error) {
	st, err := d.registry.Status(ctx, taskID)
	if err != nil {
		return false, err
	}
	return st != nil && st.State == task.StateError, nil
}

// unlocked returns reason when nobody holds the task lease
func (d *OrphanDetector) unlocked(ctx context.Context, taskID, reason string) (string, error) {
	_, held, err := d.locks.Holder(ctx, taskID)
	if err != nil || held {
		return "", err
	}
	return reason, nil
}
