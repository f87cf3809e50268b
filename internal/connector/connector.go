// Package connector is the boundary between the coordinator and the
// change-capture engines. It turns a task.Config into engine Params,
// defines the Engine contract, and keeps a Registry of engine factories
// per source dialect.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/cdcfleet/internal/task"
)

var (
	// ErrUnsupportedKind is returned for a task kind with no connector variant
	ErrUnsupportedKind = errors.New("unsupported connector kind")
	// ErrNoEngine is returned when no engine factory is registered for a kind
	ErrNoEngine = errors.New("no engine registered")
	// ErrNoDataSource is returned when a task has no usable data source.
	// It is always wrapped together with task.ErrInvalidConfig.
	ErrNoDataSource = errors.New("no data source")
)

// Params is everything an engine needs to start streaming one task
type Params struct {
	Kind              task.Kind
	Name              string
	TaskID            string
	NodeID            string
	Hostname          string
	Port              int
	Username          string
	Password          string
	DatabaseName      string
	ServerName        string
	TableIncludeList  []string
	SnapshotMode      string
	OffsetStoragePath string

	// MySQL
	ServerID uint32

	// PostgreSQL
	PluginName  string
	SlotName    string
	Publication string
}

// Record is one raw change record delivered by an engine.
// Value is a JSON encoded ChangeEvent; a nil Value is a tombstone.
type Record struct {
	Key   []byte
	Value []byte
}

// Handler receives every record an engine produces, on the engine's goroutine
type Handler func(Record)

// Engine streams change records until it is closed or fails.
type Engine interface {
	// Run blocks until ctx is canceled, Close is called, or the engine fails.
	// A clean shutdown returns nil.
	Run(ctx context.Context) error
	// Close asks Run to return and releases resources. Safe to call more than once.
	Close() error
}

// Factory builds an engine for one task
type Factory func(p Params, h Handler) (Engine, error)

// Registry maps task kinds to engine factories
type Registry struct {
	mu        sync.RWMutex
	factories map[task.Kind]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[task.Kind]Factory)}
}

// Register binds a factory to a kind, replacing any previous one
func (r *Registry) Register(kind task.Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New builds an engine for p using the factory registered for p.Kind
func (r *Registry) New(p Params, h Handler) (Engine, error) {
	r.mu.RLock()
	f, ok := r.factories[p.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoEngine, p.Kind)
	}
	return f(p, h)
}
