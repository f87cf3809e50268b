package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/metrics"
	"github.com/dreamware/cdcfleet/internal/storage"
	"github.com/dreamware/cdcfleet/internal/task"
)

// Sink receives every decoded change event. A returned error counts the
// event as failed.
type Sink func(ctx context.Context, taskID string, ev *connector.ChangeEvent) error

// LogSink logs each event at debug level
func LogSink(log logrus.FieldLogger) Sink {
	return func(_ context.Context, taskID string, ev *connector.ChangeEvent) error {
		log.WithFields(logrus.Fields{
			"task":  taskID,
			"op":    ev.Op,
			"table": ev.Source.Table,
			"pos":   ev.Source.Position,
		}).Debug("Change event")
		return nil
	}
}

// StatsRecorder keeps per-task event counters in the coordination store.
// Updates are read-modify-write; two nodes that both believe they own a task
// can lose each other's increments, never ownership.
type StatsRecorder struct {
	store   storage.Store
	keys    Keys
	nodeID  string
	now     func() time.Time
	sink    Sink
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	// serializes local updates per process
	mu sync.Mutex
}

// NewStatsRecorder creates a recorder. sink may be nil.
func NewStatsRecorder(store storage.Store, keys Keys, nodeID string, now func() time.Time, sink Sink, m *metrics.Metrics, log logrus.FieldLogger) *StatsRecorder {
	return &StatsRecorder{store: store, keys: keys, nodeID: nodeID, now: now, sink: sink, metrics: m, log: log}
}

// Handle processes one record from an engine. Tombstones are ignored,
// undecodable records and sink failures count as errors.
func (s *StatsRecorder) Handle(ctx context.Context, taskID string, rec connector.Record) {
	if rec.Value == nil {
		return
	}

	success := true
	ev, err := connector.Decode(rec)
	if err != nil {
		success = false
		s.log.WithError(err).WithField("task", taskID).Warn("Undecodable change record")
	} else if s.sink != nil {
		if err := s.sink(ctx, taskID, ev); err != nil {
			success = false
			s.log.WithError(err).WithField("task", taskID).Warn("Sink rejected change event")
		}
	}

	if err := s.RecordEvent(ctx, taskID, success); err != nil {
		s.log.WithError(err).WithField("task", taskID).Warn("Failed to record statistics")
	}
}

// RecordEvent bumps the processed or error counter of a task
func (s *StatsRecorder) RecordEvent(ctx context.Context, taskID string, success bool) error {
	s.metrics.RecordEvent(taskID, success)

	s.mu.Lock()
	defer s.mu.Unlock()

	stats, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if stats == nil {
		stats = &task.Statistics{TaskID: taskID}
	}
	if success {
		stats.ProcessedCount++
	} else {
		stats.ErrorCount++
	}
	stats.LastProcessTime = s.now().UnixMilli()
	stats.LastProcessNode = s.nodeID

	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, s.keys.Statistics(taskID), string(data), 0); err != nil {
		return fmt.Errorf("save statistics %s: %w", taskID, err)
	}
	return nil
}

// Get returns the statistics of a task, or nil when none were recorded
func (s *StatsRecorder) Get(ctx context.Context, taskID string) (*task.Statistics, error) {
	raw, err := s.store.Get(ctx, s.keys.Statistics(taskID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read statistics %s: %w", taskID, err)
	}
	var stats task.Statistics
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return nil, fmt.Errorf("decode statistics %s: %w", taskID, err)
	}
	return &stats, nil
}
