package connector

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent marks a record value that is not a valid ChangeEvent
var ErrMalformedEvent = errors.New("malformed change event")

// Op is the kind of row change
type Op string

const (
	OpCreate Op = "c"
	OpUpdate Op = "u"
	OpDelete Op = "d"
	// OpRead is a row emitted by an initial snapshot
	OpRead Op = "r"
)

// Valid reports whether op is one of the known operations
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpRead:
		return true
	}
	return false
}

// Source locates a change in the upstream database
type Source struct {
	Connector string `json:"connector"`
	Name      string `json:"name"`
	DB        string `json:"db,omitempty"`
	Schema    string `json:"schema,omitempty"`
	Table     string `json:"table"`
	Position  string `json:"pos,omitempty"`
	TsMs      int64  `json:"ts_ms,omitempty"`
}

// ChangeEvent is the envelope every engine emits as a record value
type ChangeEvent struct {
	Op     Op             `json:"op"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Source Source         `json:"source"`
	TsMs   int64          `json:"ts_ms"`
}

// Record encodes the event. The key is the qualified table name.
func (e ChangeEvent) Record() (Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encode change event: %w", err)
	}
	key := e.Source.Table
	if e.Source.Schema != "" {
		key = e.Source.Schema + "." + key
	} else if e.Source.DB != "" {
		key = e.Source.DB + "." + key
	}
	return Record{Key: []byte(key), Value: value}, nil
}

// Decode parses a record value. Tombstones must be filtered by the caller.
func Decode(r Record) (*ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(r.Value, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !e.Op.Valid() {
		return nil, fmt.Errorf("%w: unknown op %q", ErrMalformedEvent, e.Op)
	}
	return &e, nil
}
