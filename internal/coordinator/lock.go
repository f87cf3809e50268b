package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/storage"
)

// Lease is the parsed value of a task lock
type Lease struct {
	Owner    string
	Acquired time.Time
}

// ParseLease reads a node:millis lock value. The node id may itself contain colons.
func ParseLease(v string) (Lease, error) {
	i := strings.LastIndexByte(v, ':')
	if i <= 0 {
		return Lease{}, fmt.Errorf("malformed lease %q", v)
	}
	ms, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("malformed lease %q: %w", v, err)
	}
	return Lease{Owner: v[:i], Acquired: time.UnixMilli(ms)}, nil
}

func (l Lease) String() string {
	return l.Owner + ":" + strconv.FormatInt(l.Acquired.UnixMilli(), 10)
}

// RenewResult is the outcome of renewing one lease
type RenewResult int

const (
	// Renewed means the lease is ours and its TTL was refreshed
	Renewed RenewResult = iota
	// Reacquired means the lease had lapsed and we took it again
	Reacquired
	// Lost means another node holds the lease
	Lost
)

// LockManager acquires and releases per-task leases in the coordination store.
// A lease is a key holding "<node>:<acquire millis>" that expires after ttl.
type LockManager struct {
	store  storage.Store
	keys   Keys
	nodeID string
	ttl    time.Duration
	now    func() time.Time
	log    logrus.FieldLogger
}

// NewLockManager creates a lock manager acting as nodeID
func NewLockManager(store storage.Store, keys Keys, nodeID string, ttl time.Duration, now func() time.Time, log logrus.FieldLogger) *LockManager {
	return &LockManager{store: store, keys: keys, nodeID: nodeID, ttl: ttl, now: now, log: log}
}

// TryAcquire creates the task lease if nobody holds it.
// It returns true only if this call created the key.
func (l *LockManager) TryAcquire(ctx context.Context, taskID string) (bool, error) {
	value := Lease{Owner: l.nodeID, Acquired: l.now()}.String()
	ok, err := l.store.SetIfAbsent(ctx, l.keys.Lock(taskID), value, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", taskID, err)
	}
	l.log.WithFields(logrus.Fields{"task": taskID, "acquired": ok}).Debug("Lock attempt")
	return ok, nil
}

// Release deletes the task lease regardless of owner. Failures are logged;
// the TTL reclaims the key eventually.
func (l *LockManager) Release(ctx context.Context, taskID string) {
	if err := l.store.Delete(ctx, l.keys.Lock(taskID)); err != nil {
		l.log.WithError(err).WithField("task", taskID).Warn("Failed to release lock")
		return
	}
	l.log.WithField("task", taskID).Debug("Lock released")
}

// ReleaseOwned deletes the lease only if this node holds it
func (l *LockManager) ReleaseOwned(ctx context.Context, taskID string) {
	lease, ok, err := l.Holder(ctx, taskID)
	if err != nil {
		l.log.WithError(err).WithField("task", taskID).Warn("Failed to read lock")
		return
	}
	if ok && lease.Owner == l.nodeID {
		l.Release(ctx, taskID)
	}
}

// Holder returns the current lease of a task, if any
func (l *LockManager) Holder(ctx context.Context, taskID string) (Lease, bool, error) {
	v, err := l.store.Get(ctx, l.keys.Lock(taskID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("read lock for %s: %w", taskID, err)
	}
	lease, err := ParseLease(v)
	if err != nil {
		return Lease{}, false, err
	}
	return lease, true, nil
}

// Renew refreshes the TTL of a lease this node holds, or takes it again if it
// lapsed. The refresh only applies while the stored lease is still the one
// read here, so a lease another node won in between is never overwritten.
func (l *LockManager) Renew(ctx context.Context, taskID string) (RenewResult, error) {
	lease, ok, err := l.Holder(ctx, taskID)
	if err != nil {
		return Renewed, err
	}
	if ok && lease.Owner != l.nodeID {
		return Lost, nil
	}
	if ok {
		refreshed, err := l.store.RefreshIfEqual(ctx, l.keys.Lock(taskID), lease.String(), l.ttl)
		if err != nil {
			return Renewed, fmt.Errorf("renew lock for %s: %w", taskID, err)
		}
		if refreshed {
			return Renewed, nil
		}
	}

	// lapsed, possibly between the read and the refresh
	acquired, err := l.TryAcquire(ctx, taskID)
	if err != nil {
		return Renewed, err
	}
	if acquired {
		return Reacquired, nil
	}
	return Lost, nil
}
