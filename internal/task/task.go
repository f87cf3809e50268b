// Package task defines the records the coordinator keeps in the shared
// coordination store: task configuration, status, node heartbeats and
// per-task statistics. All records are JSON encoded.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig marks a task configuration that cannot be started
var ErrInvalidConfig = errors.New("invalid task config")

// Kind is the source database dialect of a CDC task
type Kind string

const (
	// KindPostgres captures changes through logical replication
	KindPostgres Kind = "POSTGRESQL_CDC"
	// KindMySQL captures changes from the binlog
	KindMySQL Kind = "MYSQL_CDC"
	// KindSQLServer captures changes from SQL Server CDC tables
	KindSQLServer Kind = "SQLSERVER_CDC"
)

// Kinds lists every supported dialect
var Kinds = []Kind{KindPostgres, KindMySQL, KindSQLServer}

// ParseKind accepts any casing of a supported kind
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported task type %q", ErrInvalidConfig, s)
}

// State is the lifecycle state recorded in TaskStatus
type State string

const (
	// StateRunning means an engine is consuming events on the owning node
	StateRunning State = "RUNNING"
	// StateStopped means the task was stopped locally
	StateStopped State = "STOPPED"
	// StateError means the engine failed
	StateError State = "ERROR"
)

// Connection describes how to reach a source database
type Connection struct {
	Hostname    string `json:"hostname,omitempty"`
	Port        Port   `json:"port,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Database    string `json:"database,omitempty"`
	Publication string `json:"publication,omitempty"` // postgres only
	Slot        string `json:"slot,omitempty"`        // postgres only
}

// Port is a TCP port that decodes from either a JSON string or number
type Port string

// UnmarshalJSON accepts "5432" and 5432
func (p *Port) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Port(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	*p = Port(n.String())
	return nil
}

// DataSource is one configured source connection
type DataSource struct {
	ID         string      `json:"id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Connection *Connection `json:"connectionConfig"`
}

// TableFilter selects one source table for capture
type TableFilter struct {
	SourceTableName string `json:"sourceTableName"`
	TargetTableName string `json:"targetTableName,omitempty"`
}

// Config is the operator-supplied definition of a CDC task.
// The coordinator stores it verbatim and never mutates it.
type Config struct {
	TaskID            string          `json:"taskId"`
	TaskName          string          `json:"taskName,omitempty"`
	Kind              Kind            `json:"taskType"`
	TargetTablePrefix string          `json:"targetTableNamePre,omitempty"`
	DataSources       []DataSource    `json:"dataSourceConfigs"`
	Tables            []TableFilter   `json:"cdcTables,omitempty"`
	FieldMappings     json.RawMessage `json:"fieldMappings,omitempty"`
}

// Validate reports configuration errors that make a task unstartable.
// It normalizes Kind casing in place.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TaskID) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidConfig)
	}
	kind, err := ParseKind(string(c.Kind))
	if err != nil {
		return err
	}
	c.Kind = kind
	if len(c.DataSources) == 0 {
		return fmt.Errorf("%w: task %s has no data source", ErrInvalidConfig, c.TaskID)
	}
	if c.DataSources[0].Connection == nil {
		return fmt.Errorf("%w: task %s data source has no connection config", ErrInvalidConfig, c.TaskID)
	}
	return nil
}

// IncludedTables returns the non-blank source table names in order
func (c *Config) IncludedTables() []string {
	var tables []string
	for _, t := range c.Tables {
		if name := strings.TrimSpace(t.SourceTableName); name != "" {
			tables = append(tables, name)
		}
	}
	return tables
}

// Status is the last durably written lifecycle state of a task.
// Only the node that owns (or last owned) the lease writes it.
type Status struct {
	TaskID     string `json:"taskId"`
	State      State  `json:"status"`
	Message    string `json:"message"`
	NodeID     string `json:"nodeId"`
	UpdateTime int64  `json:"updateTime"` // unix millis
}

// Heartbeat is a node's liveness record
type Heartbeat struct {
	NodeID         string `json:"nodeId"`
	Timestamp      int64  `json:"timestamp"` // unix millis
	LocalTaskCount int    `json:"localTaskCount"`
}

// Time returns the heartbeat timestamp
func (h Heartbeat) Time() time.Time {
	return time.UnixMilli(h.Timestamp)
}

// Statistics holds monotonically increasing per-task event counters
type Statistics struct {
	TaskID          string `json:"taskId"`
	ProcessedCount  int64  `json:"processedCount"`
	ErrorCount      int64  `json:"errorCount"`
	LastProcessTime int64  `json:"lastProcessTime,omitempty"` // unix millis
	LastProcessNode string `json:"lastProcessNode,omitempty"`
}

// View is the merged status of a task as seen from one node
type View struct {
	TaskID               string      `json:"taskId"`
	Config               *Config     `json:"config,omitempty"`
	Status               *Status     `json:"status,omitempty"`
	AssignedNode         string      `json:"assignedNode,omitempty"`
	LockOwner            string      `json:"lockOwner,omitempty"`
	RunningOnCurrentNode bool        `json:"runningOnCurrentNode"`
	Statistics           *Statistics `json:"statistics,omitempty"`
}

// NodeView describes a cluster member
type NodeView struct {
	NodeID    string     `json:"nodeId"`
	Alive     bool       `json:"alive"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
}
