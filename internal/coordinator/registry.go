package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/cdcfleet/internal/storage"
	"github.com/dreamware/cdcfleet/internal/task"
)

// Registry stores task configuration, status and assignment in the
// coordination store. Every call goes straight to the store; the registry
// keeps no state of its own.
type Registry struct {
	store  storage.Store
	keys   Keys
	nodeID string
	now    func() time.Time
}

// NewRegistry creates a registry writing status records as nodeID
func NewRegistry(store storage.Store, keys Keys, nodeID string, now func() time.Time) *Registry {
	return &Registry{store: store, keys: keys, nodeID: nodeID, now: now}
}

// SaveConfig upserts the configuration and records the task id
func (r *Registry) SaveConfig(ctx context.Context, cfg *task.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config %s: %w", cfg.TaskID, err)
	}
	if err := r.store.Set(ctx, r.keys.TaskConfig(cfg.TaskID), string(data), 0); err != nil {
		return fmt.Errorf("save config %s: %w", cfg.TaskID, err)
	}
	if err := r.store.AddToSet(ctx, r.keys.Tasks(), cfg.TaskID); err != nil {
		return fmt.Errorf("register task %s: %w", cfg.TaskID, err)
	}
	return nil
}

// Config returns the stored configuration, or nil when there is none
func (r *Registry) Config(ctx context.Context, taskID string) (*task.Config, error) {
	var cfg task.Config
	ok, err := r.getJSON(ctx, r.keys.TaskConfig(taskID), &cfg)
	if !ok || err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TaskIDs lists every known task id
func (r *Registry) TaskIDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.MembersOf(ctx, r.keys.Tasks())
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return ids, nil
}

// SetAssignment records nodeID as the owner of taskID
func (r *Registry) SetAssignment(ctx context.Context, taskID, nodeID string) error {
	if err := r.store.Set(ctx, r.keys.Assignment(taskID), nodeID, 0); err != nil {
		return fmt.Errorf("assign %s: %w", taskID, err)
	}
	return nil
}

// ClearAssignment removes the owner record
func (r *Registry) ClearAssignment(ctx context.Context, taskID string) error {
	if err := r.store.Delete(ctx, r.keys.Assignment(taskID)); err != nil {
		return fmt.Errorf("unassign %s: %w", taskID, err)
	}
	return nil
}

// Assignment returns the owning node, or "" when unassigned
func (r *Registry) Assignment(ctx context.Context, taskID string) (string, error) {
	v, err := r.store.Get(ctx, r.keys.Assignment(taskID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read assignment %s: %w", taskID, err)
	}
	return v, nil
}

// SetStatus writes the task status as this node
func (r *Registry) SetStatus(ctx context.Context, taskID string, state task.State, message string) error {
	data, err := json.Marshal(task.Status{
		TaskID:     taskID,
		State:      state,
		Message:    message,
		NodeID:     r.nodeID,
		UpdateTime: r.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, r.keys.TaskStatus(taskID), string(data), 0); err != nil {
		return fmt.Errorf("save status %s: %w", taskID, err)
	}
	return nil
}

// Status returns the last written status, or nil when there is none
func (r *Registry) Status(ctx context.Context, taskID string) (*task.Status, error) {
	var st task.Status
	ok, err := r.getJSON(ctx, r.keys.TaskStatus(taskID), &st)
	if !ok || err != nil {
		return nil, err
	}
	return &st, nil
}

// Delete removes every record of a task except its lease
func (r *Registry) Delete(ctx context.Context, taskID string) error {
	for _, key := range []string{
		r.keys.TaskConfig(taskID),
		r.keys.TaskStatus(taskID),
		r.keys.Assignment(taskID),
		r.keys.Statistics(taskID),
	} {
		if err := r.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if err := r.store.RemoveFromSet(ctx, r.keys.Tasks(), taskID); err != nil {
		return fmt.Errorf("unregister task %s: %w", taskID, err)
	}
	return nil
}

func (r *Registry) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
