package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/storage"
	"github.com/dreamware/cdcfleet/internal/task"
)

// HeartbeatPublisher writes this node's liveness record and answers
// liveness questions about other nodes.
//
// A node is alive while its heartbeat key exists and its timestamp is no
// older than ttl. The key itself also expires after ttl, so a crashed node
// disappears without anyone cleaning up after it.
type HeartbeatPublisher struct {
	store      storage.Store
	keys       Keys
	nodeID     string
	ttl        time.Duration
	now        func() time.Time
	localTasks func() int
	log        logrus.FieldLogger
}

// NewHeartbeatPublisher creates a publisher for nodeID. localTasks reports
// the number of engines running on this node at publish time.
func NewHeartbeatPublisher(store storage.Store, keys Keys, nodeID string, ttl time.Duration, now func() time.Time, localTasks func() int, log logrus.FieldLogger) *HeartbeatPublisher {
	return &HeartbeatPublisher{
		store:      store,
		keys:       keys,
		nodeID:     nodeID,
		ttl:        ttl,
		now:        now,
		localTasks: localTasks,
		log:        log,
	}
}

// Publish writes a fresh heartbeat with a full TTL
func (h *HeartbeatPublisher) Publish(ctx context.Context) error {
	hb := task.Heartbeat{
		NodeID:         h.nodeID,
		Timestamp:      h.now().UnixMilli(),
		LocalTaskCount: h.localTasks(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	if err := h.store.Set(ctx, h.keys.Heartbeat(h.nodeID), string(data), h.ttl); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	if err := h.store.AddToSet(ctx, h.keys.Nodes(), h.nodeID); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

// Remove deletes this node's heartbeat so other nodes see it gone at once
func (h *HeartbeatPublisher) Remove(ctx context.Context) error {
	if err := h.store.Delete(ctx, h.keys.Heartbeat(h.nodeID)); err != nil {
		return fmt.Errorf("remove heartbeat: %w", err)
	}
	return nil
}

// Get returns the heartbeat of nodeID, or nil when there is none
func (h *HeartbeatPublisher) Get(ctx context.Context, nodeID string) (*task.Heartbeat, error) {
	raw, err := h.store.Get(ctx, h.keys.Heartbeat(nodeID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read heartbeat of %s: %w", nodeID, err)
	}
	var hb task.Heartbeat
	if err := json.Unmarshal([]byte(raw), &hb); err != nil {
		return nil, fmt.Errorf("decode heartbeat of %s: %w", nodeID, err)
	}
	return &hb, nil
}

// Fresh reports whether hb is recent enough to count as alive
func (h *HeartbeatPublisher) Fresh(hb *task.Heartbeat) bool {
	return hb != nil && h.now().Sub(hb.Time()) <= h.ttl
}

// Alive reports whether nodeID has a fresh heartbeat
func (h *HeartbeatPublisher) Alive(ctx context.Context, nodeID string) (bool, error) {
	hb, err := h.Get(ctx, nodeID)
	if err != nil {
		return false, err
	}
	return h.Fresh(hb), nil
}
