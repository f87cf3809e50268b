package sqlservercdc

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/task"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// captureTable is a source table and its default CDC capture instance
type captureTable struct {
	schema   string
	table    string
	instance string
}

func (t captureTable) qualified() string { return t.schema + "." + t.table }
func (t captureTable) quoted() string    { return "[" + t.schema + "].[" + t.table + "]" }

// captureTables parses schema.table names. Names end up in SQL text, so
// only plain identifiers are accepted.
func captureTables(names []string) ([]captureTable, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: sqlserver tasks need at least one cdc table", task.ErrInvalidConfig)
	}
	tables := make([]captureTable, 0, len(names))
	for _, name := range names {
		schema, table := "dbo", name
		if i := strings.IndexByte(name, '.'); i >= 0 {
			schema, table = name[:i], name[i+1:]
		}
		if !identifier.MatchString(schema) || !identifier.MatchString(table) {
			return nil, fmt.Errorf("%w: unsupported table name %q", task.ErrInvalidConfig, name)
		}
		tables = append(tables, captureTable{schema: schema, table: table, instance: schema + "_" + table})
	}
	return tables, nil
}

// CDC __$operation codes
const (
	opDelete       = 1
	opInsert       = 2
	opUpdateBefore = 3
	opUpdateAfter  = 4
)

// rowScanner is the subset of *sql.Rows a batch reads
type rowScanner interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
}

type batch struct {
	source connector.Source
	now    func() time.Time
}

func newBatch(server, db string, t captureTable) *batch {
	return &batch{
		source: connector.Source{Connector: "sqlserver", Name: server, DB: db, Schema: t.schema, Table: t.table},
		now:    time.Now,
	}
}

// scan turns change table rows into events. Update before images are
// paired with the after image that follows them.
func (b *batch) scan(rows rowScanner, emit func(connector.ChangeEvent)) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	var before map[string]any
	for rows.Next() {
		values, err := scanRow(rows, len(cols))
		if err != nil {
			return err
		}

		data := make(map[string]any, len(cols))
		var op int64
		src := b.source
		for i, name := range cols {
			switch name {
			case "__$operation":
				op = toInt(values[i])
			case "__$start_lsn":
				if lsn, ok := values[i].([]byte); ok {
					src.Position = hex.EncodeToString(lsn)
				}
			default:
				if !strings.HasPrefix(name, "__$") {
					data[name] = normalize(values[i])
				}
			}
		}

		ev := connector.ChangeEvent{Source: src, TsMs: b.now().UnixMilli()}
		switch op {
		case opInsert:
			ev.Op, ev.After = connector.OpCreate, data
		case opDelete:
			ev.Op, ev.Before = connector.OpDelete, data
		case opUpdateBefore:
			before = data
			continue
		case opUpdateAfter:
			ev.Op, ev.Before, ev.After = connector.OpUpdate, before, data
			before = nil
		default:
			continue
		}
		emit(ev)
	}
	return rows.Err()
}

// scanSnapshot emits every row of a plain table read as a snapshot read
func (b *batch) scanSnapshot(rows rowScanner, emit func(connector.ChangeEvent)) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	for rows.Next() {
		values, err := scanRow(rows, len(cols))
		if err != nil {
			return err
		}
		data := make(map[string]any, len(cols))
		for i, name := range cols {
			data[name] = normalize(values[i])
		}
		emit(connector.ChangeEvent{Op: connector.OpRead, After: data, Source: b.source, TsMs: b.now().UnixMilli()})
	}
	return rows.Err()
}

func scanRow(rows rowScanner, n int) ([]any, error) {
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return int64(n)
	}
	return 0
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
