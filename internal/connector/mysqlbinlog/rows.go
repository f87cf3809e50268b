package mysqlbinlog

import (
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/schema"

	"github.com/dreamware/cdcfleet/internal/connector"
)

type rowHandler struct {
	canal.DummyEventHandler
	engine *Engine
}

// OnRow converts one rows event into change records.
// Returning an error would stop canal, so conversion problems are only logged.
func (h *rowHandler) OnRow(e *canal.RowsEvent) error {
	for _, ev := range h.engine.events(e) {
		rec, err := ev.Record()
		if err != nil {
			h.engine.log.WithError(err).Warn("Dropping unencodable row")
			continue
		}
		h.engine.handler(rec)
	}
	return nil
}

func (h *rowHandler) String() string { return "cdcfleet-rows" }

func (e *Engine) events(ev *canal.RowsEvent) []connector.ChangeEvent {
	src := connector.Source{
		Connector: "mysql",
		Name:      e.params.ServerName,
		DB:        ev.Table.Schema,
		Table:     ev.Table.Name,
	}
	now := time.Now().UnixMilli()

	// Rows from the initial dump carry no binlog header.
	snapshot := ev.Header == nil
	if !snapshot {
		src.TsMs = int64(ev.Header.Timestamp) * 1000
		pos := e.synced()
		pos.Pos = ev.Header.LogPos
		src.Position = FormatPosition(pos)
	}

	var out []connector.ChangeEvent
	switch ev.Action {
	case canal.InsertAction:
		op := connector.OpCreate
		if snapshot {
			op = connector.OpRead
		}
		for _, row := range ev.Rows {
			out = append(out, connector.ChangeEvent{Op: op, After: rowMap(ev.Table.Columns, row), Source: src, TsMs: now})
		}
	case canal.DeleteAction:
		for _, row := range ev.Rows {
			out = append(out, connector.ChangeEvent{Op: connector.OpDelete, Before: rowMap(ev.Table.Columns, row), Source: src, TsMs: now})
		}
	case canal.UpdateAction:
		// before and after images alternate
		for i := 0; i+1 < len(ev.Rows); i += 2 {
			out = append(out, connector.ChangeEvent{
				Op:     connector.OpUpdate,
				Before: rowMap(ev.Table.Columns, ev.Rows[i]),
				After:  rowMap(ev.Table.Columns, ev.Rows[i+1]),
				Source: src,
				TsMs:   now,
			})
		}
	}
	return out
}

func rowMap(cols []schema.TableColumn, row []interface{}) map[string]any {
	m := make(map[string]any, len(row))
	for i, v := range row {
		name := ""
		if i < len(cols) {
			name = cols[i].Name
		}
		if name == "" {
			continue
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		m[name] = v
	}
	return m
}
