package connector

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dreamware/cdcfleet/internal/task"
)

const (
	// DefaultSnapshotMode takes an initial snapshot before streaming
	DefaultSnapshotMode = "initial"
	// DefaultPublication is the publication pgoutput reads when none is configured
	DefaultPublication = "dbz_publication"
)

// Spec is the dialect-specific connector configuration of a task.
// Exactly one of Postgres, MySQL or SQLServer.
type Spec interface {
	spec()
}

// Endpoint holds the connection fields every dialect shares
type Endpoint struct {
	Hostname string
	Port     int
	Username string
	Password string
	Database string
}

// Postgres reads a logical replication slot through pgoutput
type Postgres struct {
	Endpoint
	Publication string
	Slot        string
}

// MySQL follows the binlog as a replica
type MySQL struct {
	Endpoint
}

// SQLServer polls the CDC change tables
type SQLServer struct {
	Endpoint
}

func (Postgres) spec()  {}
func (MySQL) spec()     {}
func (SQLServer) spec() {}

// Env carries the node-local settings that shape Params
type Env struct {
	NodeID       string
	DataDir      string
	SnapshotMode string
}

// SpecFor builds the connector variant for cfg from its first data source,
// filling per-dialect defaults.
func SpecFor(cfg *task.Config) (Spec, error) {
	if len(cfg.DataSources) == 0 || cfg.DataSources[0].Connection == nil {
		return nil, fmt.Errorf("%w: %w for task %s", task.ErrInvalidConfig, ErrNoDataSource, cfg.TaskID)
	}
	conn := cfg.DataSources[0].Connection

	switch cfg.Kind {
	case task.KindPostgres:
		ep, err := endpoint(conn, 5432, "postgres")
		if err != nil {
			return nil, err
		}
		return Postgres{Endpoint: ep, Publication: conn.Publication, Slot: conn.Slot}, nil
	case task.KindMySQL:
		ep, err := endpoint(conn, 3306, "root")
		if err != nil {
			return nil, err
		}
		return MySQL{Endpoint: ep}, nil
	case task.KindSQLServer:
		ep, err := endpoint(conn, 1433, "sa")
		if err != nil {
			return nil, err
		}
		return SQLServer{Endpoint: ep}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, cfg.Kind)
	}
}

func endpoint(conn *task.Connection, defaultPort int, defaultUser string) (Endpoint, error) {
	ep := Endpoint{
		Hostname: orDefault(conn.Hostname, "localhost"),
		Port:     defaultPort,
		Username: orDefault(conn.Username, defaultUser),
		Password: conn.Password,
		Database: conn.Database,
	}
	if p := strings.TrimSpace(string(conn.Port)); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("%w: invalid port %q", task.ErrInvalidConfig, conn.Port)
		}
		ep.Port = port
	}
	return ep, nil
}

// Build turns a task configuration into engine Params for this node
func Build(cfg *task.Config, env Env) (Params, error) {
	spec, err := SpecFor(cfg)
	if err != nil {
		return Params{}, err
	}

	node := safeName(env.NodeID)
	p := Params{
		Kind:              cfg.Kind,
		Name:              "cdc-connector-" + cfg.TaskID + "-" + node,
		TaskID:            cfg.TaskID,
		NodeID:            env.NodeID,
		TableIncludeList:  cfg.IncludedTables(),
		SnapshotMode:      orDefault(env.SnapshotMode, DefaultSnapshotMode),
		OffsetStoragePath: filepath.Join(env.DataDir, node, "offset-"+safeName(cfg.TaskID)),
	}

	switch s := spec.(type) {
	case Postgres:
		postgresParams(&p, s, cfg.TaskID, node)
	case MySQL:
		mysqlParams(&p, s, cfg.TaskID, node)
	case SQLServer:
		sqlServerParams(&p, s, cfg.TaskID, node)
	default:
		return Params{}, fmt.Errorf("%w: %T", ErrUnsupportedKind, spec)
	}
	return p, nil
}

func applyEndpoint(p *Params, ep Endpoint) {
	p.Hostname = ep.Hostname
	p.Port = ep.Port
	p.Username = ep.Username
	p.Password = ep.Password
	p.DatabaseName = ep.Database
}

func postgresParams(p *Params, s Postgres, taskID, node string) {
	applyEndpoint(p, s.Endpoint)
	p.ServerName = "postgres-server-" + taskID + "-" + node
	p.PluginName = "pgoutput"
	p.Publication = orDefault(s.Publication, DefaultPublication)
	p.SlotName = orDefault(s.Slot, slotName(taskID))
}

func mysqlParams(p *Params, s MySQL, taskID, node string) {
	applyEndpoint(p, s.Endpoint)
	p.ServerName = "mysql-server-" + taskID + "-" + node
	p.ServerID = ServerID(p.NodeID)
}

func sqlServerParams(p *Params, s SQLServer, taskID, node string) {
	applyEndpoint(p, s.Endpoint)
	p.ServerName = "server-" + taskID + "-" + node
}

// ServerID derives a stable MySQL replica server id in [1, 65535] from a node id
func ServerID(nodeID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(nodeID))
	return h.Sum32()%65535 + 1
}

// slotName returns a valid replication slot name: lowercase, [a-z0-9_], at most 63 bytes
func slotName(taskID string) string {
	var b strings.Builder
	b.WriteString("cdc_")
	for _, r := range strings.ToLower(taskID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// safeName makes an identifier usable as a single path element that stays
// inside its parent: separators are replaced, and so are leading dots so
// that "." and ".." cannot name the parent itself.
func safeName(s string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
	trimmed := strings.TrimLeft(name, ".")
	return strings.Repeat("_", len(name)-len(trimmed)) + trimmed
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
