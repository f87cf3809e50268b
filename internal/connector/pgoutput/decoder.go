package pgoutput

import (
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dreamware/cdcfleet/internal/connector"
)

// decoder turns pgoutput messages into change events.
// Relation messages precede the first row of each table and are cached.
type decoder struct {
	server    string
	db        string
	include   map[string]bool
	relations map[uint32]*pglogrepl.RelationMessage
	types     *pgtype.Map
	now       func() time.Time
}

func newDecoder(server, db string, tables []string) *decoder {
	d := &decoder{
		server:    server,
		db:        db,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		types:     pgtype.NewMap(),
		now:       time.Now,
	}
	if len(tables) > 0 {
		d.include = make(map[string]bool, len(tables))
		for _, t := range tables {
			if !strings.Contains(t, ".") {
				t = "public." + t
			}
			d.include[t] = true
		}
	}
	return d
}

// decode returns the change event for msg, or false when msg carries no row
// change for an included table.
func (d *decoder) decode(msg pglogrepl.Message, lsn pglogrepl.LSN) (connector.ChangeEvent, bool) {
	var (
		rel    *pglogrepl.RelationMessage
		ev     connector.ChangeEvent
		before *pglogrepl.TupleData
		after  *pglogrepl.TupleData
	)

	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[m.RelationID] = m
		return ev, false
	case *pglogrepl.InsertMessage:
		rel, ev.Op, after = d.relations[m.RelationID], connector.OpCreate, m.Tuple
	case *pglogrepl.UpdateMessage:
		rel, ev.Op, before, after = d.relations[m.RelationID], connector.OpUpdate, m.OldTuple, m.NewTuple
	case *pglogrepl.DeleteMessage:
		rel, ev.Op, before = d.relations[m.RelationID], connector.OpDelete, m.OldTuple
	default:
		return ev, false
	}

	if rel == nil || !d.included(rel) {
		return ev, false
	}

	ev.Source = connector.Source{
		Connector: "postgresql",
		Name:      d.server,
		DB:        d.db,
		Schema:    rel.Namespace,
		Table:     rel.RelationName,
		Position:  lsn.String(),
	}
	ev.TsMs = d.now().UnixMilli()
	ev.Before = d.tuple(rel, before)
	ev.After = d.tuple(rel, after)
	return ev, true
}

func (d *decoder) included(rel *pglogrepl.RelationMessage) bool {
	return d.include == nil || d.include[rel.Namespace+"."+rel.RelationName]
}

func (d *decoder) tuple(rel *pglogrepl.RelationMessage, t *pglogrepl.TupleData) map[string]any {
	if t == nil {
		return nil
	}
	values := make(map[string]any, len(t.Columns))
	for i, col := range t.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n':
			values[name] = nil
		case 'u':
			// unchanged TOAST value, not sent by the server
		case 't':
			values[name] = d.text(col.Data, rel.Columns[i].DataType)
		}
	}
	return values
}

func (d *decoder) text(data []byte, oid uint32) any {
	if dt, ok := d.types.TypeForOID(oid); ok {
		if v, err := dt.Codec.DecodeValue(d.types, oid, pgtype.TextFormatCode, data); err == nil {
			return v
		}
	}
	return string(data)
}
